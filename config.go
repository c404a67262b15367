/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package signer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SerialUpdateMode is the "serial-update" option of spec.md 6.
type SerialUpdateMode string

const (
	SerialKeep      SerialUpdateMode = "keep"
	SerialIncrement SerialUpdateMode = "increment"
	SerialUnixtime  SerialUpdateMode = "unixtime"
	SerialDate      SerialUpdateMode = "date"
)

// Nsec3Conf is the "nsec3" sub-config of spec.md 6.
type Nsec3Conf struct {
	Algorithm  uint8  `mapstructure:"hash-alg" yaml:"hash-alg"`
	Iterations uint16 `mapstructure:"iterations" yaml:"iterations"`
	SaltHex    string `mapstructure:"salt-hex" yaml:"salt-hex"`
	// SaltSet distinguishes an explicit empty salt ("") from "no nsec3
	// salt configured at all", per spec.md 9's open question: a
	// zero-length salt must round-trip as whatever the input had, not be
	// normalised between "none" and "empty".
	SaltSet bool   `mapstructure:"-" yaml:"-"`
	OptOut  bool   `mapstructure:"opt-out" yaml:"opt-out"`
}

// SignerPolicy is the full set of configuration spec.md 6 says the core
// recognises. Grounded on config.go's Config/DnssecPolicyConf shape and
// validated the same way, via go-playground/validator struct tags driven
// by ValidateBySection (config.go / config_validate.go in the teacher),
// trimmed to exactly this table (no apiserver/TLS/DB sections: there is no
// API server in this core's scope).
type SignerPolicy struct {
	SerialUpdate SerialUpdateMode `mapstructure:"serial-update" validate:"required,oneof=keep increment unixtime date"`

	MaxTTL     uint32 `mapstructure:"max-ttl"`
	DnskeyTTL  uint32 `mapstructure:"dnskey-ttl"`
	JitterSecs uint32 `mapstructure:"jitter"`

	RefreshWindow time.Duration `mapstructure:"refresh-window"`

	SignatureValidity time.Duration `mapstructure:"signature-validity" validate:"required"`
	DnskeyValidity    time.Duration `mapstructure:"dnskey-validity"`

	Nsec3 Nsec3Conf `mapstructure:"nsec3"`

	KeysetKSKOnly                bool `mapstructure:"keyset-kskonly"`
	IgnoreKSKFlag                bool `mapstructure:"ignore-ksk-flag"`
	RemoveOrphanSignatures       bool `mapstructure:"remove-orphan-signatures"`
	RemoveInactiveKeySignatures  bool `mapstructure:"remove-inactive-key-signatures"`

	// SyncRecords is the comma-separated cdnskey/cds:<digest-alg> policy
	// string of spec.md 4.8, parsed by ParseSyncRecordsPolicy.
	SyncRecords string `mapstructure:"sync-records"`

	StartTime       time.Time `mapstructure:"-"`
	EndTime         time.Time `mapstructure:"-"`
	DnskeyEndTime   time.Time `mapstructure:"-"`

	// CompatAllowInvertedValidity exposes the RRSIG
	// inception>=expiration compatibility flag spec.md 9 says may exist,
	// default off (drop without replacement is the default per spec).
	CompatAllowInvertedValidity bool `mapstructure:"compat-allow-inverted-validity"`

	// AllowNsec3IterationsOverride lets an operator sign with an
	// iteration count above the protocol maximum (spec.md 4.5 "Failure").
	AllowNsec3IterationsOverride bool `mapstructure:"nsec3-allow-high-iterations"`
}

// DefaultSignerPolicy returns the policy the teacher's own defaults imply
// where spec.md leaves a default unstated (refresh-window defaults to one
// quarter of signature-validity per spec.md 4.3).
func DefaultSignerPolicy() *SignerPolicy {
	p := &SignerPolicy{
		SerialUpdate:      SerialIncrement,
		SignatureValidity: 14 * 24 * time.Hour,
		DnskeyValidity:    14 * 24 * time.Hour,
		JitterSecs:        3600,
		Nsec3: Nsec3Conf{
			Algorithm:  1,
			Iterations: 0,
		},
	}
	p.RefreshWindow = p.SignatureValidity / 4
	return p
}

// RefreshWindowOrDefault returns the configured refresh window, falling
// back to one quarter of signature-validity when unset (also for DNSKEY
// signatures; dnskey-validity is not consulted).
func (p *SignerPolicy) RefreshWindowOrDefault() time.Duration {
	if p.RefreshWindow > 0 {
		return p.RefreshWindow
	}
	return p.SignatureValidity / 4
}

// LoadSignerPolicy reads a SignerPolicy out of v (a viper instance already
// pointed at a config file/section), applying defaults for anything unset
// and then validating it. Mirrors config.go's ValidateConfig/
// ValidateBySection flow, generalized from the teacher's whole-of-Config
// validation down to this core's narrower policy struct.
func LoadSignerPolicy(v *viper.Viper) (*SignerPolicy, error) {
	policy := DefaultSignerPolicy()
	if v != nil {
		if err := v.Unmarshal(policy); err != nil {
			return nil, fmt.Errorf("LoadSignerPolicy: unmarshal error: %w", err)
		}
		if v.IsSet("nsec3.salt-hex") {
			policy.Nsec3.SaltSet = true
		}
	}
	if err := ValidateSignerPolicy(policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// LoadSignerPolicyYAML reads a standalone zone-level DNSSEC policy document
// from path, the on-disk counterpart to LoadSignerPolicy's viper-sourced
// path: an operator who keeps one policy file per zone rather than a single
// combined config uses this entry point instead. Defaults and validation
// match LoadSignerPolicy exactly.
func LoadSignerPolicyYAML(path string) (*SignerPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadSignerPolicyYAML: read %s: %w", path, err)
	}
	policy := DefaultSignerPolicy()
	if err := yaml.Unmarshal(raw, policy); err != nil {
		return nil, fmt.Errorf("LoadSignerPolicyYAML: parse %s: %w", path, err)
	}
	if strings.Contains(string(raw), "salt-hex:") {
		policy.Nsec3.SaltSet = true
	}
	if err := ValidateSignerPolicy(policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// SaveSignerPolicyYAML writes policy back out as a zone-level DNSSEC policy
// document, the counterpart an operator uses to persist a policy built or
// edited in memory (e.g. after ValidateSignerPolicy succeeds) back to disk.
func SaveSignerPolicyYAML(path string, policy *SignerPolicy) error {
	raw, err := yaml.Marshal(policy)
	if err != nil {
		return fmt.Errorf("SaveSignerPolicyYAML: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("SaveSignerPolicyYAML: write %s: %w", path, err)
	}
	return nil
}

// ValidateSignerPolicy runs struct-tag validation plus the cross-field
// checks spec.md 7 calls "Policy violation ... fatal at option-parse".
func ValidateSignerPolicy(policy *SignerPolicy) error {
	validate := validator.New()
	if err := validate.Struct(policy); err != nil {
		return fmt.Errorf("config: missing or invalid required attributes: %w", err)
	}
	if _, err := ParseSyncRecordsPolicy(policy.SyncRecords); err != nil {
		return fmt.Errorf("config: sync-records: %w", err)
	}
	if policy.Nsec3.Iterations > maxNsec3Iterations && !policy.AllowNsec3IterationsOverride {
		return fmt.Errorf("config: nsec3 iterations %d exceeds protocol maximum %d", policy.Nsec3.Iterations, maxNsec3Iterations)
	}
	return nil
}

// maxNsec3Iterations is the protocol-wide ceiling RFC 9276 recommends
// treating as a hard maximum (RFC 5155 permits up to 2500 for the smallest
// keys; implementations commonly cap much lower, but spec.md only requires
// *a* ceiling exist and be overridable).
const maxNsec3Iterations = 150

// SyncRecordsPolicy is the parsed form of the "sync-records" option
// (spec.md 4.8): which of CDNSKEY/CDS to publish, and for CDS, which
// digest algorithms.
type SyncRecordsPolicy struct {
	CDNSKEY      bool
	CDSDigests   []uint8
}

// ParseSyncRecordsPolicy parses a comma-separated token list of
// "cdnskey" and "cds:<digest-algorithm>" entries. An empty string
// suppresses both (spec.md 4.8 "An empty policy string suppresses both").
// Unsupported digest types are a parse-time error (spec.md 4.8
// "unsupported digest types are fatal at parse time"), and duplicate
// digest types are deduplicated.
func ParseSyncRecordsPolicy(s string) (SyncRecordsPolicy, error) {
	var out SyncRecordsPolicy
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	seen := map[uint8]bool{}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
			continue
		case tok == "cdnskey":
			out.CDNSKEY = true
		case strings.HasPrefix(tok, "cds:"):
			digestName := strings.TrimPrefix(tok, "cds:")
			digest, ok := digestAlgByName[digestName]
			if !ok {
				return out, fmt.Errorf("unsupported CDS digest algorithm %q", digestName)
			}
			if !seen[digest] {
				seen[digest] = true
				out.CDSDigests = append(out.CDSDigests, digest)
			}
		default:
			return out, fmt.Errorf("unrecognised sync-records token %q", tok)
		}
	}
	return out, nil
}

var digestAlgByName = map[string]uint8{
	"sha1":   1,
	"sha256": 2,
	"gost":   3,
	"sha384": 4,
}
