package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// LaunchContext carries SMART launch data as an opaque string map. The proxy
// transports values without interpreting them; unknown keys pass through.
type LaunchContext map[string]string

// contextClaims are the launch keys reinjected into token responses.
var contextClaims = []string{
	"patient",
	"encounter",
	"practitioner",
	"need_patient_banner",
	"smart_style_url",
}

// Sentinel decode errors. A missing optional blob decodes to an empty
// context; a present-but-malformed blob fails with one of these.
var (
	ErrStateDecode  = errors.New("malformed compound state")
	ErrLaunchDecode = errors.New("malformed launch context")
	ErrCodeDecode   = errors.New("malformed compound code")
)

// CompoundState rides through the upstream IdP inside the OAuth state
// parameter: the client's own opaque state plus its launch blob, exactly as
// the client sent it.
type CompoundState struct {
	S string `json:"s"`
	L string `json:"l"`
}

// Encode serializes the compound state as base64url(JSON).
func (cs CompoundState) Encode() string {
	b, _ := json.Marshal(cs)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCompoundState reverses CompoundState.Encode.
func DecodeCompoundState(raw string) (CompoundState, error) {
	b, err := decodeBase64URL(raw)
	if err != nil {
		return CompoundState{}, fmt.Errorf("%w: %v", ErrStateDecode, err)
	}
	var cs CompoundState
	if err := json.Unmarshal(b, &cs); err != nil {
		return CompoundState{}, fmt.Errorf("%w: %v", ErrStateDecode, err)
	}
	return cs, nil
}

// DecodeLaunch parses a base64url(JSON) launch blob. An empty parameter is a
// valid empty context.
func DecodeLaunch(raw string) (LaunchContext, error) {
	if raw == "" {
		return LaunchContext{}, nil
	}
	b, err := decodeBase64URL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchDecode, err)
	}
	lc := LaunchContext{}
	if err := json.Unmarshal(b, &lc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchDecode, err)
	}
	return lc, nil
}

// Encode serializes the launch context as base64url(JSON).
func (lc LaunchContext) Encode() string {
	b, _ := json.Marshal(lc)
	return base64.RawURLEncoding.EncodeToString(b)
}

// EncodeCompoundCode merges the real IdP-issued code into the launch context
// and serializes the result as base64url(JSON). This is the code the client
// receives and later presents at /token.
func EncodeCompoundCode(lc LaunchContext, code string) string {
	merged := make(map[string]string, len(lc)+1)
	for k, v := range lc {
		merged[k] = v
	}
	merged["code"] = code
	b, _ := json.Marshal(merged)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCompoundCode splits a compound code back into the launch context and
// the real upstream authorization code.
func DecodeCompoundCode(raw string) (LaunchContext, string, error) {
	b, err := decodeBase64URL(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCodeDecode, err)
	}
	merged := map[string]string{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCodeDecode, err)
	}
	code, ok := merged["code"]
	if !ok || code == "" {
		return nil, "", fmt.Errorf("%w: missing code field", ErrCodeDecode)
	}
	delete(merged, "code")
	return LaunchContext(merged), code, nil
}

// decodeBase64URL accepts both padded and unpadded base64url input since
// clients differ on padding.
func decodeBase64URL(raw string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(raw)
}
