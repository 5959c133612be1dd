package mesh

import "encoding/json"

// Envelope types, exactly as spec.md §4.3 names them.
const (
	envelopeMessage   = "message"
	envelopeHello     = "hello"
	envelopeAckHello  = "ack-hello"
	envelopeBroadcast = "broadcast"
)

// envelope is the JSON frame carried as TLS application data between
// two mesh nodes. encryptedMessage is AES-CBC(sendKey from the
// sender's perspective, iv, base64(message-bytes)).
type envelope struct {
	Type             string `json:"type"`
	EncryptedMessage string `json:"encryptedMessage"`
	IV               string `json:"iv"`
	From             string `json:"from"`
}

// helloNode is one row of a hello payload's node list.
type helloNode struct {
	Username   string `json:"username"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	SendKey    string `json:"sendKey"`
	ReceiveKey string `json:"receiveKey"`
}

// helloPayload is the plaintext a hello envelope decrypts to.
type helloPayload struct {
	Nodes []helloNode `json:"nodes"`
}

func marshalHello(p helloPayload) ([]byte, error) {
	return json.Marshal(p)
}
