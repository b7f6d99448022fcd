package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/valory-xyz/pettai-agent-sub000/sigverify"
)

// ErrIncompletePayload marks an authorization that fails cheap validation.
// It is terminal; nothing touches the chain before this check passes.
var ErrIncompletePayload = errors.New("incomplete verification payload")

// FlexInt decodes a JSON value that may arrive as a number or as a numeric
// string. The upstream server is inconsistent about which it sends.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	*f = FlexInt(v)

	return nil
}

// SignaturePayload is the server-supplied ECDSA signature.
type SignaturePayload struct {
	V int    `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// MessagePayload carries the signed fields of the authorization.
type MessagePayload struct {
	// Action is the server's numeric action id, used as a fallback when the
	// action name is absent from the local table.
	Action     FlexInt `json:"action"`
	ActionName string  `json:"actionName"`
	Timestamp  FlexInt `json:"timestamp"`
	Nonce      string  `json:"nonce"`
}

// Verification is the inbound authorization envelope for one action.
type Verification struct {
	// Hash is optional; when present it must equal the locally derived
	// action hash byte for byte.
	Hash      string           `json:"hash"`
	Signature SignaturePayload `json:"signature"`
	Message   MessagePayload   `json:"message"`
}

// ParseVerification decodes raw JSON into a Verification envelope.
func ParseVerification(raw []byte) (Verification, error) {
	var v Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verification{}, fmt.Errorf("failed to decode verification payload: %w", err)
	}

	return v, nil
}

// authorization is the validated, binary form of a Verification.
type authorization struct {
	actionID     uint8
	nonce        [32]byte
	timestamp    *big.Int
	sig          sigverify.Signature
	suppliedHash []byte
}

// parseAuthorization performs the cheap validation pass: v must be 27 or 28,
// r/s must be 0x-prefixed 32-byte values, the nonce exactly 32 bytes, and the
// timestamp positive. Failures reject the action before any chain I/O.
func parseAuthorization(actionID uint8, v Verification) (authorization, error) {
	msg := v.Message
	sig := v.Signature

	if msg.Timestamp <= 0 {
		return authorization{}, fmt.Errorf("%w: timestamp %d", ErrIncompletePayload, msg.Timestamp)
	}
	if sig.V != 27 && sig.V != 28 {
		return authorization{}, fmt.Errorf("%w: signature v %d", ErrIncompletePayload, sig.V)
	}
	if !strings.HasPrefix(sig.R, "0x") || !strings.HasPrefix(sig.S, "0x") {
		return authorization{}, fmt.Errorf("%w: r/s must be 0x-prefixed", ErrIncompletePayload)
	}

	nonce, err := hexWord(msg.Nonce)
	if err != nil {
		return authorization{}, fmt.Errorf("%w: nonce: %v", ErrIncompletePayload, err)
	}
	r, err := hexWord(sig.R)
	if err != nil {
		return authorization{}, fmt.Errorf("%w: r: %v", ErrIncompletePayload, err)
	}
	s, err := hexWord(sig.S)
	if err != nil {
		return authorization{}, fmt.Errorf("%w: s: %v", ErrIncompletePayload, err)
	}

	var suppliedHash []byte
	if h := strings.TrimSpace(v.Hash); h != "" {
		suppliedHash, err = hexutil.Decode(h)
		if err != nil {
			return authorization{}, fmt.Errorf("%w: hash: %v", ErrIncompletePayload, err)
		}
		if len(suppliedHash) != 32 {
			return authorization{}, fmt.Errorf("%w: hash length %d", ErrIncompletePayload, len(suppliedHash))
		}
	}

	return authorization{
		actionID:  actionID,
		nonce:     nonce,
		timestamp: big.NewInt(int64(msg.Timestamp)),
		sig: sigverify.Signature{
			V: uint64(sig.V),
			R: r,
			S: s,
		},
		suppliedHash: suppliedHash,
	}, nil
}

// hexWord decodes a 0x-prefixed hex string into exactly 32 bytes.
func hexWord(raw string) ([32]byte, error) {
	var word [32]byte
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return word, err
	}
	if len(b) != 32 {
		return word, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(word[:], b)

	return word, nil
}
