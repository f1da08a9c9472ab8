package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/latticed/internal/domain/links"
)

// HostData is the startup payload a provider process reads from stdin.
type HostData struct {
	HostID              string             `json:"host_id"`
	LatticeRPCPrefix    string             `json:"lattice_rpc_prefix"`
	LatticeRPCURL       string             `json:"lattice_rpc_url"`
	LatticeRPCUserJWT   string             `json:"lattice_rpc_user_jwt,omitempty"`
	LatticeRPCUserSeed  string             `json:"lattice_rpc_user_seed,omitempty"`
	LinkName            string             `json:"link_name"`
	InstanceID          string             `json:"instance_id"`
	ProviderKey         string             `json:"provider_key"`
	ContractID          string             `json:"contract_id"`
	LinkDefinitions     []links.Definition `json:"link_definitions"`
	Config              map[string]string  `json:"config"`
	EnvValues           map[string]string  `json:"env_values,omitempty"`
	ClusterIssuers      []string           `json:"cluster_issuers,omitempty"`
	DefaultRPCTimeoutMS uint64             `json:"default_rpc_timeout_ms,omitempty"`
	LogLevel            string             `json:"log_level,omitempty"`
	StructuredLogging   bool               `json:"structured_logging"`
}

// Encode renders the stdin payload: base64 of the JSON document followed by a
// newline, after which the host closes stdin.
func (h HostData) Encode() ([]byte, error) {
	if h.LinkDefinitions == nil {
		h.LinkDefinitions = []links.Definition{}
	}
	if h.Config == nil {
		h.Config = map[string]string{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode host data: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)), base64.StdEncoding.EncodedLen(len(raw))+1)
	base64.StdEncoding.Encode(out, raw)
	return append(out, '\n'), nil
}

// DecodeHostData parses a stdin payload produced by Encode.
func DecodeHostData(line []byte) (HostData, error) {
	var h HostData
	trimmed := trimNewline(line)
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(raw, trimmed)
	if err != nil {
		return h, fmt.Errorf("failed to decode host data: %w", err)
	}
	if err := json.Unmarshal(raw[:n], &h); err != nil {
		return h, fmt.Errorf("failed to parse host data: %w", err)
	}
	return h, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
