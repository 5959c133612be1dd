package crypto

import "testing"

func TestSRPRoundTrip(t *testing.T) {
	group := SRPGroup2048()
	username, password := "alice", "s3cret-passcode"

	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	x := group.DerivePrivateKey(salt, username, password)
	verifier := group.DeriveVerifier(x)

	server, err := NewSRPServer(group, verifier)
	if err != nil {
		t.Fatalf("NewSRPServer: %v", err)
	}
	client, err := NewSRPClient(group)
	if err != nil {
		t.Fatalf("NewSRPClient: %v", err)
	}

	clientProof, clientKey, err := client.ComputeSession(username, password, salt, server.ServerEphemeralPublic())
	if err != nil {
		t.Fatalf("client ComputeSession: %v", err)
	}
	serverProof, err := server.ComputeSession(username, salt, client.ClientEphemeralPublic(), clientProof)
	if err != nil {
		t.Fatalf("server ComputeSession: %v", err)
	}
	if !VerifyServerProof(client.ClientEphemeralPublic(), clientProof, clientKey, serverProof) {
		t.Fatal("server proof did not verify")
	}
	if string(clientKey) != string(server.SessionKey()) {
		t.Fatal("client and server derived different session keys")
	}
}

func TestSRPWrongPasswordFailsProof(t *testing.T) {
	group := SRPGroup2048()
	username := "bob"

	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	x := group.DerivePrivateKey(salt, username, "correct-passcode")
	verifier := group.DeriveVerifier(x)

	server, err := NewSRPServer(group, verifier)
	if err != nil {
		t.Fatalf("NewSRPServer: %v", err)
	}
	client, err := NewSRPClient(group)
	if err != nil {
		t.Fatalf("NewSRPClient: %v", err)
	}

	clientProof, _, err := client.ComputeSession(username, "wrong-passcode", salt, server.ServerEphemeralPublic())
	if err != nil {
		t.Fatalf("client ComputeSession: %v", err)
	}
	if _, err := server.ComputeSession(username, salt, client.ClientEphemeralPublic(), clientProof); err == nil {
		t.Fatal("expected proof mismatch with wrong passcode, got nil error")
	}
}

func TestAESRoundTrip(t *testing.T) {
	key, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	iv, ciphertext, err := AESEncryptCBC(key, plaintext)
	if err != nil {
		t.Fatalf("AESEncryptCBC: %v", err)
	}
	got, err := AESDecryptCBC(key, iv, ciphertext)
	if err != nil {
		t.Fatalf("AESDecryptCBC: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestAESDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, err := RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	iv, ciphertext, err := AESEncryptCBC(key, []byte("hello mesh"))
	if err != nil {
		t.Fatalf("AESEncryptCBC: %v", err)
	}
	ciphertext[0] ^= 0xFF
	if _, err := AESDecryptCBC(key, iv, ciphertext); err == nil {
		t.Fatal("expected tampered ciphertext to fail to decrypt cleanly")
	}
}

func TestGeneratePasscodeIsSixDigits(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := GeneratePasscode()
		if err != nil {
			t.Fatalf("GeneratePasscode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("passcode %q is not 6 digits", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("passcode %q contains non-digit", code)
			}
		}
	}
}
