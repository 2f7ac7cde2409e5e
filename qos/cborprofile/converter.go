// Package cborprofile encodes and decodes qos.Profile values as
// canonical CBOR, for distributing a profile override to a peer
// out-of-band (e.g. a server pushing a tuned BULK profile to a client
// before a large transfer).
package cborprofile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/riftnet/transport/qos"
)

// Version is the wire version of the encoded profile map.
const Version = 1

// Integer map keys, smallest-possible canonical CBOR encoding.
const (
	keyVersion           uint64 = 0
	keyName              uint64 = 1
	keyReliability       uint64 = 2
	keyPriority          uint64 = 3
	keyMaxRetries        uint64 = 4
	keyRetryDelayMs      uint64 = 5
	keyTimeoutMs         uint64 = 6
	keyCompression       uint64 = 7
	keyEncryption        uint64 = 8
	keyFragmentSize      uint64 = 9
	keyOrderingChannel   uint64 = 10
	keySequencingChannel uint64 = 11
)

// Encode converts a profile into deterministic CBOR bytes.
func Encode(p qos.Profile) ([]byte, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("cborprofile: name required")
	}
	payload := map[uint64]any{
		keyVersion:     uint64(Version),
		keyName:        p.Name,
		keyReliability: uint64(p.Reliability),
		keyPriority:    uint64(p.Priority),
	}
	if p.MaxRetries != 0 {
		payload[keyMaxRetries] = uint64(p.MaxRetries)
	}
	if p.RetryDelayMs != 0 {
		payload[keyRetryDelayMs] = uint64(p.RetryDelayMs)
	}
	if p.TimeoutMs != 0 {
		payload[keyTimeoutMs] = uint64(p.TimeoutMs)
	}
	if p.Compression {
		payload[keyCompression] = true
	}
	if p.Encryption {
		payload[keyEncryption] = true
	}
	if p.FragmentSize != 0 {
		payload[keyFragmentSize] = uint64(p.FragmentSize)
	}
	if p.OrderingChannel != 0 {
		payload[keyOrderingChannel] = uint64(p.OrderingChannel)
	}
	if p.SequencingChannel != 0 {
		payload[keySequencingChannel] = uint64(p.SequencingChannel)
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

// Decode parses CBOR bytes into a profile.
func Decode(data []byte) (qos.Profile, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return qos.Profile{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return qos.Profile{}, err
	}

	version, ok := raw[keyVersion]
	if !ok {
		return qos.Profile{}, fmt.Errorf("cborprofile: missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return qos.Profile{}, fmt.Errorf("cborprofile: version invalid: %w", err)
	}
	if versionInt != Version {
		return qos.Profile{}, fmt.Errorf("cborprofile: unsupported version %d", versionInt)
	}

	var out qos.Profile
	if v, ok := raw[keyName]; ok {
		out.Name, err = asString(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("name: %w", err)
		}
	}
	if v, ok := raw[keyReliability]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("reliability: %w", err)
		}
		out.Reliability = qos.Reliability(val)
	}
	if v, ok := raw[keyPriority]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("priority: %w", err)
		}
		out.Priority = qos.Priority(val)
	}
	if v, ok := raw[keyMaxRetries]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("max_retries: %w", err)
		}
		out.MaxRetries = int(val)
	}
	if v, ok := raw[keyRetryDelayMs]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("retry_delay_ms: %w", err)
		}
		out.RetryDelayMs = int(val)
	}
	if v, ok := raw[keyTimeoutMs]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("timeout_ms: %w", err)
		}
		out.TimeoutMs = int(val)
	}
	if v, ok := raw[keyCompression]; ok {
		out.Compression, err = asBool(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("compression: %w", err)
		}
	}
	if v, ok := raw[keyEncryption]; ok {
		out.Encryption, err = asBool(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("encryption: %w", err)
		}
	}
	if v, ok := raw[keyFragmentSize]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("fragment_size: %w", err)
		}
		out.FragmentSize = int(val)
	}
	if v, ok := raw[keyOrderingChannel]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("ordering_channel: %w", err)
		}
		out.OrderingChannel = uint8(val)
	}
	if v, ok := raw[keySequencingChannel]; ok {
		val, err := asUint(v)
		if err != nil {
			return qos.Profile{}, fmt.Errorf("sequencing_channel: %w", err)
		}
		out.SequencingChannel = uint8(val)
	}
	return out, nil
}

func asUint(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asString(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string got %T", value)
	}
	return str, nil
}

func asBool(value any) (bool, error) {
	val, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool got %T", value)
	}
	return val, nil
}
