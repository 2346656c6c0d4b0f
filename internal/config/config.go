// Package config loads the closed list of configuration keys spec.md
// §6 says this layer consumes, from a YAML file, with typed accessors
// and SIGHUP-driven hot reload. Grounded on
// omar251990-omar251990/pkg/config/manager.go (load/save under a
// RWMutex, atomic rename-on-save), swapped from a flat map to a typed
// struct since the key list here is closed rather than open-ended.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// FailMode is Control.LUR.FailMode.
type FailMode string

const (
	FailModeFail   FailMode = "FAIL"
	FailModeOpen   FailMode = "OPEN"
	FailModeNormal FailMode = "NORMAL"
)

// RegMsgFrequency is Control.LUR.RegistrationMessageFrequency.
type RegMsgFrequency string

const (
	RegMsgFirst  RegMsgFrequency = "FIRST"
	RegMsgNormal RegMsgFrequency = "NORMAL"
	RegMsgPLMN   RegMsgFrequency = "PLMN"
)

// Timers holds the closed set of GSM.Timer.* keys this layer consumes.
type Timers struct {
	T3103          int `yaml:"T3103"`
	T3113          int `yaml:"T3113"`
	HandoverHoldoff int `yaml:"HandoverHoldoff"`
}

// Handover holds GSM.Handover.* keys.
type Handover struct {
	Margin         int `yaml:"Margin"`
	FailureHoldoff int `yaml:"FailureHoldoff"`
	Ny1            int `yaml:"Ny1"`
}

// LUR holds Control.LUR.* keys.
type LUR struct {
	QueryIMEI                bool            `yaml:"QueryIMEI"`
	QueryClassmark           bool            `yaml:"QueryClassmark"`
	OpenRegistration         string          `yaml:"OpenRegistration"`
	OpenRegistrationReject   string          `yaml:"OpenRegistrationReject"`
	RejectCause404           string          `yaml:"404RejectCause"`
	UnprovisionedRejectCause string          `yaml:"UnprovisionedRejectCause"`
	FailMode                 FailMode        `yaml:"FailMode"`
	RegMsgFrequency          RegMsgFrequency `yaml:"RegistrationMessageFrequency"`
	FirstMessage             string          `yaml:"FirstMessage"`
	FirstShortCode           string          `yaml:"FirstShortCode"`
	NormalMessage            string          `yaml:"NormalMessage"`
	NormalShortCode          string          `yaml:"NormalShortCode"`
	OpenRegistrationMessage  string          `yaml:"OpenRegistrationMessage"`
	OpenRegistrationShortCode string         `yaml:"OpenRegistrationShortCode"`

	openRegistrationRe *regexp.Regexp
	openRejectRe       *regexp.Regexp
}

// Config is the root configuration object, one field group per spec.md
// §6 key prefix.
type Config struct {
	ControlVEA       bool     `yaml:"Control.VEA"`
	CipherEncrypt    bool     `yaml:"GSM.Cipher.Encrypt"`
	IdentityShortName string  `yaml:"GSM.Identity.ShortName"`
	LAICode          string   `yaml:"GSM.LAI"`
	Timer            Timers   `yaml:"GSM.Timer"`
	MSTAMax          int      `yaml:"GSM.MS.TA.Max"`
	HandoverCfg      Handover `yaml:"GSM.Handover"`
	MaxSpeechLatency int      `yaml:"GSM.MaxSpeechLatency"`
	LURCfg           LUR      `yaml:"Control.LUR"`
	SIPProxy         string   `yaml:"SIP.Proxy.Registration"`
	SIPRealm         string   `yaml:"SIP.Realm"`
	RTPStart         int      `yaml:"RTP.Start"`
	RTPRange         int      `yaml:"RTP.Range"`
	SMSCBTable       string   `yaml:"Control.SMSCB.Table"`
	Process          Process  `yaml:"Process"`
}

// Process holds the operational-surface keys spec.md's closed GSM/
// Control/SIP list never names: addresses and paths for the ambient
// services cmd/l3ctld starts (RRLP assistance server, admin feed,
// inter-BTS peering, CDR rotation, TMSI mirror).
type Process struct {
	TMSIDatabaseDSN string `yaml:"TMSIDatabaseDSN"`
	AdminListenAddr string `yaml:"AdminListenAddr"`
	PeeringListenAddr string `yaml:"PeeringListenAddr"`
	PeeringSecret   string `yaml:"PeeringSecret"`
	RRLPServerURL   string `yaml:"RRLPServerURL"`
	CDRPath         string `yaml:"CDRPath"`
	CDRMaxSizeMB    int    `yaml:"CDRMaxSizeMB"`
	CDRMaxBackups   int    `yaml:"CDRMaxBackups"`
	CDRMaxAgeDays   int    `yaml:"CDRMaxAgeDays"`
	LogPath         string `yaml:"LogPath"`
	PagingIntervalMS int   `yaml:"PagingIntervalMS"`
}

// Store is a goroutine-safe holder for the current Config, swapped
// atomically on reload so in-flight procedures never observe a
// half-written config.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Config
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	if c.LURCfg.OpenRegistration != "" {
		re, err := regexp.Compile(c.LURCfg.OpenRegistration)
		if err != nil {
			return fmt.Errorf("config: Control.LUR.OpenRegistration: %w", err)
		}
		c.LURCfg.openRegistrationRe = re
	}
	if c.LURCfg.OpenRegistrationReject != "" {
		re, err := regexp.Compile(c.LURCfg.OpenRegistrationReject)
		if err != nil {
			return fmt.Errorf("config: Control.LUR.OpenRegistration.Reject: %w", err)
		}
		c.LURCfg.openRejectRe = re
	}
	s.mu.Lock()
	s.cur = &c
	s.mu.Unlock()
	return nil
}

// Reload re-reads the config file, e.g. on SIGHUP.
func (s *Store) Reload() error { return s.reload() }

// Get returns the currently active configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// OpenRegistrationMatch implements the LUFinish authorization rule of
// spec.md §4.5: OpenRegistration selected iff the IMSI regex matches
// AND the reject regex does not.
func (l *LUR) OpenRegistrationMatch(imsi string) bool {
	if l.openRegistrationRe == nil || !l.openRegistrationRe.MatchString(imsi) {
		return false
	}
	if l.openRejectRe != nil && l.openRejectRe.MatchString(imsi) {
		return false
	}
	return true
}

// OpenRegistrationRejected reports whether imsi matches both the
// open-registration pattern and its reject override (spec.md §8
// scenario 6: "MO-SMS with open registration denied").
func (l *LUR) OpenRegistrationRejected(imsi string) bool {
	return l.openRegistrationRe != nil && l.openRegistrationRe.MatchString(imsi) &&
		l.openRejectRe != nil && l.openRejectRe.MatchString(imsi)
}
