package crypto

import (
	"crypto/sha256"
	"errors"
	"math/big"
)

// srpGroupHex is the RFC 5054 2048-bit group N, the "standard" group
// spec.md §2 calls for.
const srpGroupHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329C" +
	"BB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF60951" +
	"79A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D04" +
	"1D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E" +
	"688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7" +
	"303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236" +
	"D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

// SRPGroup is an SRP-6a (N, g) group.
type SRPGroup struct {
	N *big.Int
	G *big.Int
}

var srpGroup2048 = func() SRPGroup {
	n, ok := new(big.Int).SetString(srpGroupHex, 16)
	if !ok {
		panic("crypto: malformed SRP group constant")
	}
	return SRPGroup{N: n, G: big.NewInt(2)}
}()

// SRPGroup2048 returns the standard 2048-bit SRP-6a group.
func SRPGroup2048() SRPGroup { return srpGroup2048 }

func (g SRPGroup) byteLen() int {
	return (g.N.BitLen() + 7) / 8
}

func (g SRPGroup) pad(x *big.Int) []byte {
	b := x.Bytes()
	n := g.byteLen()
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func srpHash(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func srpHashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// computeK computes the SRP-6a multiplier k = H(N | PAD(g)).
func (g SRPGroup) computeK() *big.Int {
	return srpHash(g.pad(g.N), g.pad(g.G))
}

// DerivePrivateKey computes x = H(salt | H(username | ":" | password)),
// the classic SRP-6a private-key derivation.
func (g SRPGroup) DerivePrivateKey(salt []byte, username, password string) *big.Int {
	inner := srpHashBytes([]byte(username), []byte(":"), []byte(password))
	return srpHash(salt, inner)
}

// DeriveVerifier computes v = g^x mod N.
func (g SRPGroup) DeriveVerifier(x *big.Int) *big.Int {
	return new(big.Int).Exp(g.G, x, g.N)
}

// GenerateSalt returns a fresh 16-byte random salt.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(16)
}

// SRPServer is the coordinator-side SRP-6a state for a single
// candidate client, held from the moment the server ephemeral is
// generated until the handshake either succeeds or is abandoned.
type SRPServer struct {
	group    SRPGroup
	verifier *big.Int
	b        *big.Int
	bPub     *big.Int // B
	key      []byte   // session key K, set once ComputeSession succeeds
}

// NewSRPServer derives the server's private ephemeral b and public
// ephemeral B = k*v + g^b mod N for the given verifier.
func NewSRPServer(group SRPGroup, verifier *big.Int) (*SRPServer, error) {
	bBytes, err := RandomBytes(32)
	if err != nil {
		return nil, err
	}
	b := new(big.Int).SetBytes(bBytes)
	k := group.computeK()
	gb := new(big.Int).Exp(group.G, b, group.N)
	kv := new(big.Int).Mul(k, verifier)
	bPub := new(big.Int).Mod(new(big.Int).Add(kv, gb), group.N)
	return &SRPServer{group: group, verifier: verifier, b: b, bPub: bPub}, nil
}

// ServerEphemeralPublic returns B.
func (s *SRPServer) ServerEphemeralPublic() *big.Int { return s.bPub }

// ComputeSession derives the shared session key from the client's
// public ephemeral A, verifies the client's proof M1, and returns the
// server's own proof M2. It returns an error if A is degenerate
// (A mod N == 0, the standard SRP safety check) or if the client's
// proof does not match.
func (s *SRPServer) ComputeSession(username string, salt []byte, clientPub *big.Int, clientProof []byte) (serverProof []byte, err error) {
	g := s.group
	if new(big.Int).Mod(clientPub, g.N).Sign() == 0 {
		return nil, errors.New("crypto: invalid client ephemeral A")
	}
	u := srpHash(g.pad(clientPub), g.pad(s.bPub))
	if u.Sign() == 0 {
		return nil, errors.New("crypto: invalid scrambling parameter u")
	}
	// S = (A * v^u)^b mod N
	vu := new(big.Int).Exp(s.verifier, u, g.N)
	avu := new(big.Int).Mod(new(big.Int).Mul(clientPub, vu), g.N)
	sessionSecret := new(big.Int).Exp(avu, s.b, g.N)
	key := srpHashBytes(sessionSecret.Bytes())

	expectedProof := clientSessionProof(g, username, salt, clientPub, s.bPub, key)
	if !constantTimeEqual(expectedProof, clientProof) {
		return nil, errors.New("crypto: client session proof mismatch")
	}
	s.key = key
	return serverSessionProof(clientPub, expectedProof, key), nil
}

// SessionKey returns the derived shared secret. Valid only after a
// successful ComputeSession.
func (s *SRPServer) SessionKey() []byte { return s.key }

// SRPClient is the client-side SRP-6a ephemeral state for one
// connectSession attempt.
type SRPClient struct {
	group SRPGroup
	a     *big.Int
	aPub  *big.Int // A
}

// NewSRPClient generates the client's private ephemeral a and public
// ephemeral A = g^a mod N.
func NewSRPClient(group SRPGroup) (*SRPClient, error) {
	aBytes, err := RandomBytes(32)
	if err != nil {
		return nil, err
	}
	a := new(big.Int).SetBytes(aBytes)
	aPub := new(big.Int).Exp(group.G, a, group.N)
	return &SRPClient{group: group, a: a, aPub: aPub}, nil
}

// ClientEphemeralPublic returns A.
func (c *SRPClient) ClientEphemeralPublic() *big.Int { return c.aPub }

// ComputeSession derives the shared session key and this client's
// proof M1, given the username/password it intends to authenticate
// with, the salt and server ephemeral B the coordinator returned.
func (c *SRPClient) ComputeSession(username, password string, salt []byte, serverPub *big.Int) (proof []byte, key []byte, err error) {
	g := c.group
	if new(big.Int).Mod(serverPub, g.N).Sign() == 0 {
		return nil, nil, errors.New("crypto: invalid server ephemeral B")
	}
	u := srpHash(g.pad(c.aPub), g.pad(serverPub))
	if u.Sign() == 0 {
		return nil, nil, errors.New("crypto: invalid scrambling parameter u")
	}
	x := g.DerivePrivateKey(salt, username, password)
	k := g.computeK()

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(g.G, x, g.N)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Mod(new(big.Int).Sub(serverPub, kgx), g.N)
	if base.Sign() < 0 {
		base.Add(base, g.N)
	}
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	sessionSecret := new(big.Int).Exp(base, exp, g.N)
	key = srpHashBytes(sessionSecret.Bytes())

	proof = clientSessionProof(g, username, salt, c.aPub, serverPub, key)
	return proof, key, nil
}

// VerifyServerProof checks the coordinator's M2 against what this
// client expects, given its own M1 and derived key.
func VerifyServerProof(clientPub *big.Int, clientProof, key, serverProof []byte) bool {
	expected := serverSessionProof(clientPub, clientProof, key)
	return constantTimeEqual(expected, serverProof)
}

func clientSessionProof(g SRPGroup, username string, salt []byte, clientPub, serverPub *big.Int, key []byte) []byte {
	hn := srpHashBytes(g.pad(g.N))
	hg := srpHashBytes(g.pad(g.G))
	xored := make([]byte, len(hn))
	for i := range hn {
		xored[i] = hn[i] ^ hg[i]
	}
	hi := srpHashBytes([]byte(username))
	return srpHashBytes(xored, hi, salt, g.pad(clientPub), g.pad(serverPub), key)
}

func serverSessionProof(clientPub *big.Int, clientProof, key []byte) []byte {
	return srpHashBytes(clientPub.Bytes(), clientProof, key)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
