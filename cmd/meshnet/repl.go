package main

import (
	"fmt"

	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/cyphermesh/meshnet/session"
)

// printEvents prints every session-level event on sub until it is
// unsubscribed or its feed closes. Run as its own goroutine.
func printEvents(sub *event.Subscription) {
	for raw := range sub.Chan() {
		switch ev := raw.(type) {
		case session.SessionStartedEvent:
			fmt.Println("* mesh session started")
		case session.MessageEvent:
			fmt.Printf("[%s] %s\n", ev.Sender, ev.Text)
		case session.PeerDisconnectedEvent:
			fmt.Printf("* %s disconnected\n", ev.User)
		case session.PeerReconnectedEvent:
			fmt.Printf("* %s reconnected\n", ev.User)
		case session.MemberJoinedEvent:
			fmt.Printf("* %s authenticated from %s\n", ev.UserName, ev.IP)
		case session.MemberRejectedEvent:
			fmt.Printf("* %s rejected: %v\n", ev.UserName, ev.Err)
		case session.AuthenticationFailedEvent:
			fmt.Printf("! authentication failed: %v\n", ev.Err)
		case session.ErrorEvent:
			fmt.Printf("! %v\n", ev.Err)
		}
	}
}
