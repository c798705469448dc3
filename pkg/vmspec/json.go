package vmspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/javanstorm/vmkit/internal/fileutil"
)

// document is the persisted shape of a Spec.
type document struct {
	CPUs              int          `json:"cpus"`
	RAM               uint64       `json:"ram"`
	Audio             bool         `json:"audio"`
	OS                string       `json:"os"`
	Storage           []storageDoc `json:"storage"`
	Display           []displayDoc `json:"display"`
	Network           []networkDoc `json:"network"`
	Share             []shareDoc   `json:"share,omitempty"`
	Boot              *bootDoc     `json:"boot,omitempty"`
	MachineIdentifier []byte       `json:"machineIdentifier,omitempty"`
	HardwareModel     []byte       `json:"hardwareModel,omitempty"`
	Serial            *serialDoc   `json:"serial,omitempty"`
	Recovery          bool         `json:"recovery,omitempty"`
	DFU               bool         `json:"dfu,omitempty"`
	StopInStage1      bool         `json:"stopInStage1,omitempty"`
	StopInStage2      bool         `json:"stopInStage2,omitempty"`
}

type storageDoc struct {
	Type     string   `json:"type"`
	File     string   `json:"file,omitempty"`
	URL      string   `json:"url,omitempty"`
	ReadOnly bool     `json:"readOnly"`
	Options  []string `json:"options,omitempty"`
}

type displayDoc struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	DPI    int `json:"dpi"`
}

type networkDoc struct {
	Type      string `json:"type"`
	MAC       string `json:"mac,omitempty"`
	Interface string `json:"interface,omitempty"`
}

type shareDoc struct {
	Path      string `json:"path"`
	Tag       string `json:"tag,omitempty"`
	Automount bool   `json:"automount,omitempty"`
	ReadOnly  bool   `json:"readOnly"`
}

type bootDoc struct {
	Kernel     string `json:"kernel"`
	Parameters string `json:"parameters,omitempty"`
}

type serialDoc struct {
	Enabled bool `json:"enabled"`
	PTY     bool `json:"pty,omitempty"`
	PL011   bool `json:"pl011,omitempty"`
}

// Encode writes s as a JSON document. PTYPath is never written.
func (s *Spec) Encode(w io.Writer) error {
	doc := document{
		CPUs:              s.CPUs,
		RAM:               s.RAM,
		Audio:             s.Audio,
		OS:                string(s.OS),
		Storage:           make([]storageDoc, 0, len(s.Storage)),
		Display:           make([]displayDoc, 0, len(s.Displays)),
		Network:           make([]networkDoc, 0, len(s.Networks)),
		MachineIdentifier: s.MachineIdentifier,
		HardwareModel:     s.HardwareModel,
		Recovery:          s.Recovery,
		DFU:               s.DFU,
		StopInStage1:      s.StopInStage1,
		StopInStage2:      s.StopInStage2,
	}
	for _, st := range s.Storage {
		doc.Storage = append(doc.Storage, storageDoc{
			Type: string(st.Kind), File: st.Path, URL: st.URL, ReadOnly: st.ReadOnly, Options: st.Options,
		})
	}
	for _, d := range s.Displays {
		doc.Display = append(doc.Display, displayDoc{Width: d.Width, Height: d.Height, DPI: d.DPI})
	}
	for _, n := range s.Networks {
		doc.Network = append(doc.Network, networkDoc{Type: string(n.Kind), MAC: n.MAC.String(), Interface: n.Interface})
	}
	for _, sh := range s.Shares {
		doc.Share = append(doc.Share, shareDoc{Path: sh.Path, Tag: sh.Tag, Automount: sh.Automount, ReadOnly: sh.ReadOnly})
	}
	if s.Boot != nil {
		doc.Boot = &bootDoc{Kernel: s.Boot.Kernel, Parameters: s.Boot.Parameters}
	}
	if s.Serial != (Serial{}) {
		doc.Serial = &serialDoc{Enabled: s.Serial.Enabled, PTY: s.Serial.PTY, PL011: s.Serial.PL011}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Decode parses a JSON document into a Builder. Unknown keys are ignored,
// missing optional keys take their defaults, and a missing machine
// identifier is generated. Identity blobs that are present are kept verbatim.
func Decode(r io.Reader, host Host) (*Builder, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		if isParseError(err) {
			return nil, invalid("document", "%v", err)
		}
		return nil, &IOError{Op: "read", Err: err}
	}
	if raw == nil {
		return nil, invalid("document", "top level must be an object")
	}

	guest := OSMacOS
	if v, ok := raw["os"]; ok {
		var s string
		if err := decodeField(v, "os", &s); err != nil {
			return nil, err
		}
		g, err := ParseOS(s)
		if err != nil {
			return nil, invalid("os", "%v", err)
		}
		guest = g
	}
	b := &Builder{host: host, spec: Spec{OS: guest}}

	if err := decodeScalars(raw, &b.spec); err != nil {
		return nil, err
	}
	if len(b.spec.MachineIdentifier) == 0 {
		id, err := host.NewMachineIdentifier(guest)
		if err != nil {
			return nil, fmt.Errorf("vmspec: generate machine identifier: %w", err)
		}
		b.spec.MachineIdentifier = id
	}

	storage, err := decodeList[storageDoc](raw, "storage")
	if err != nil {
		return nil, err
	}
	for i, sd := range storage {
		kind, err := ParseStorageKind(sd.Type)
		if err != nil {
			return nil, invalid(fmt.Sprintf("storage[%d].type", i), "%v", err)
		}
		st := Storage{Kind: kind, Path: sd.File, URL: sd.URL, ReadOnly: sd.ReadOnly, Options: sd.Options}
		if err := b.AddStorage(st); err != nil {
			return nil, err
		}
	}

	displays, err := decodeList[displayDoc](raw, "display")
	if err != nil {
		return nil, err
	}
	for _, d := range displays {
		if err := b.AddDisplay(d.Width, d.Height, d.DPI); err != nil {
			return nil, err
		}
	}

	networks, err := decodeList[networkDoc](raw, "network")
	if err != nil {
		return nil, err
	}
	for i, nd := range networks {
		kind, err := ParseNetworkKind(nd.Type)
		if err != nil {
			return nil, invalid(fmt.Sprintf("network[%d].type", i), "%v", err)
		}
		if err := b.AddNetwork(kind, nd.Interface, nd.MAC); err != nil {
			return nil, err
		}
	}

	shares, err := decodeList[shareDoc](raw, "share")
	if err != nil {
		return nil, err
	}
	if err := b.decodeShares(shares); err != nil {
		return nil, err
	}

	if v, ok := raw["boot"]; ok && guest == OSLinux {
		var bd bootDoc
		if err := decodeField(v, "boot", &bd); err != nil {
			return nil, err
		}
		if err := b.SetBoot(bd.Kernel, bd.Parameters); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func decodeScalars(raw map[string]json.RawMessage, s *Spec) error {
	fields := []struct {
		key string
		dst any
	}{
		{"cpus", &s.CPUs},
		{"ram", &s.RAM},
		{"audio", &s.Audio},
		{"machineIdentifier", &s.MachineIdentifier},
		{"hardwareModel", &s.HardwareModel},
		{"recovery", &s.Recovery},
		{"dfu", &s.DFU},
		{"stopInStage1", &s.StopInStage1},
		{"stopInStage2", &s.StopInStage2},
	}
	for _, f := range fields {
		if v, ok := raw[f.key]; ok {
			if err := decodeField(v, f.key, f.dst); err != nil {
				return err
			}
		}
	}
	if s.CPUs < 0 {
		return invalid("cpus", "must be positive, got %d", s.CPUs)
	}
	if v, ok := raw["serial"]; ok {
		var sd serialDoc
		if err := decodeField(v, "serial", &sd); err != nil {
			return err
		}
		s.Serial = Serial{Enabled: sd.Enabled, PTY: sd.PTY, PL011: sd.PL011}
	}
	return nil
}

// decodeShares accepts several entries under one tag only when they are
// adjacent, which is how a multi-directory share is written.
func (b *Builder) decodeShares(shares []shareDoc) error {
	for i, sd := range shares {
		sh := Share{Path: sd.Path, Tag: sd.Tag, Automount: sd.Automount, ReadOnly: sd.ReadOnly}
		field := fmt.Sprintf("share[%d]", i)
		if err := sh.validate(field); err != nil {
			return err
		}
		if !sh.Automount && b.tagInUse(sh.Tag) {
			prev := b.spec.Shares[len(b.spec.Shares)-1]
			if prev.Automount || prev.Tag != sh.Tag {
				return conflict(field+".tag", "tag %q is already in use", sh.Tag)
			}
		}
		b.spec.Shares = append(b.spec.Shares, sh)
	}
	return nil
}

func decodeList[T any](raw map[string]json.RawMessage, key string) ([]T, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := decodeField(v, key, &items); err != nil {
		return nil, err
	}
	out := make([]T, len(items))
	for i, item := range items {
		if err := decodeField(item, fmt.Sprintf("%s[%d]", key, i), &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeField(v json.RawMessage, field string, dst any) error {
	if err := json.Unmarshal(v, dst); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			if te.Field != "" {
				field += "." + te.Field
			}
			return invalid(field, "expected %s, got %s", te.Type, te.Value)
		}
		return invalid(field, "%v", err)
	}
	return nil
}

func isParseError(err error) bool {
	var syn *json.SyntaxError
	var te *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &te) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// LoadFile reads a spec document from path.
func LoadFile(path string, host Host) (*Builder, error) {
	f, err := os.Open(path) //nolint:gosec // path chosen by the operator
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck

	b, err := Decode(f, host)
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		ioErr.Path = path
	}
	return b, err
}

// SaveFile writes s to path atomically: temp file, fsync, rename.
func (s *Spec) SaveFile(path string) error {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return err
	}
	if err := fileutil.AtomicWriteFile(path, buf.Bytes(), 0o644); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}
