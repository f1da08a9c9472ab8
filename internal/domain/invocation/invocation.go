package invocation

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known operations issued by the host.
const (
	OpBindActor     = "BindActor"
	OpUnbindActor   = "UnbindActor"
	OpHealthRequest = "HealthRequest"
)

// Invocation is a signed request from one entity to another.
// EncodedClaims is produced by the minting host and binds origin, target,
// operation and payload so that any receiver can verify it offline.
type Invocation struct {
	ID            string `json:"id"`
	Origin        Entity `json:"origin"`
	Target        Entity `json:"target"`
	Operation     string `json:"operation"`
	Payload       []byte `json:"msg"`
	EncodedClaims string `json:"encoded_claims"`
	HostID        string `json:"host_id"`
}

// New creates an unsigned invocation with a fresh id.
func New(origin, target Entity, operation string, payload []byte) *Invocation {
	return &Invocation{
		ID:        uuid.NewString(),
		Origin:    origin,
		Target:    target,
		Operation: operation,
		Payload:   payload,
	}
}

// Hash returns the upper-case hex SHA-256 digest the invocation token commits to.
func (i *Invocation) Hash() string {
	return ComputeHash(i.Origin.URL(), i.Target.URL(), i.Operation, i.Payload)
}

// ComputeHash hashes origin url, target url, operation and payload. Each field
// is prefixed with its big-endian uint64 length so bytes cannot move between
// adjacent fields without changing the digest.
func ComputeHash(originURL, targetURL, operation string, payload []byte) string {
	h := sha256.New()
	for _, field := range [][]byte{[]byte(originURL), []byte(targetURL), []byte(operation), payload} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		h.Write(size[:])
		h.Write(field)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// Validate checks structural requirements before routing.
func (i *Invocation) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("invocation id is required")
	}
	if i.Operation == "" {
		return fmt.Errorf("invocation operation is required")
	}
	if err := i.Origin.Validate(); err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if err := i.Target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	return nil
}

// Response answers exactly one invocation. Payload and Error are mutually
// exclusive; use Success or Failure to build one.
type Response struct {
	InvocationID string `json:"invocation_id"`
	Payload      []byte `json:"msg,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Success builds a successful response.
func Success(invocationID string, payload []byte) *Response {
	return &Response{InvocationID: invocationID, Payload: payload}
}

// Failure builds an error response from err.
func Failure(invocationID string, err error) *Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Response{InvocationID: invocationID, Error: msg}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != ""
}
