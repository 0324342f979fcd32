package bundle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/pion/webrtc/v4"
)

// DecodeError reports a malformed or role-mismatched token. It is always
// recoverable: the caller surfaces the message and lets the user paste again.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode bundle: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode bundle: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a bundle into a single paste-safe token. The JSON body
// is wrapped in unpadded URL-safe base64 so the token survives terminals,
// chat clients, and anything else that mangles punctuation.
func Encode(b *Bundle) (string, error) {
	if !b.Role.Valid() {
		return "", fmt.Errorf("encode bundle: invalid role %q", b.Role)
	}
	body := struct {
		Role        Role                      `json:"role"`
		Description string                    `json:"description"`
		Candidates  []webrtc.ICECandidateInit `json:"candidates"`
	}{b.Role, b.Description, b.Candidates}
	if body.Candidates == nil {
		body.Candidates = []webrtc.ICECandidateInit{}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a token back into a bundle, verifying that all three fields
// are present and that the bundle's role matches want. Tokens are commonly
// relayed through media that insert line breaks, so all whitespace is
// stripped before decoding.
func Decode(token string, want Role) (*Bundle, error) {
	token = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, token)

	if token == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &DecodeError{Reason: "not a valid token", Err: err}
	}

	// Pointer fields distinguish "absent" from "zero" so a truncated or
	// hand-edited body is rejected instead of silently defaulting.
	var body struct {
		Role        *Role                      `json:"role"`
		Description *string                    `json:"description"`
		Candidates  *[]webrtc.ICECandidateInit `json:"candidates"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &DecodeError{Reason: "malformed bundle body", Err: err}
	}

	switch {
	case body.Role == nil:
		return nil, &DecodeError{Reason: "missing role"}
	case !body.Role.Valid():
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown role %q", *body.Role)}
	case body.Description == nil || *body.Description == "":
		return nil, &DecodeError{Reason: "missing description"}
	case body.Candidates == nil:
		return nil, &DecodeError{Reason: "missing candidate list"}
	}

	if *body.Role != want {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("this is an %s token, expected an %s token", *body.Role, want),
		}
	}

	return &Bundle{
		Role:        *body.Role,
		Description: *body.Description,
		Candidates:  *body.Candidates,
	}, nil
}
