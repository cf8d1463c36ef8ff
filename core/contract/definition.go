package contract

import (
	"bytes"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	chainerrors "chainid/core/errors"
	"chainid/core/ledger"
)

const (
	IdentityRegistryName = "IdentityRegistry"
	PaymentProcessorName = "PaymentProcessor"
)

//go:embed definitions/*.yaml
var builtinFS embed.FS

var builtinFiles = map[string]string{
	IdentityRegistryName: "definitions/identity_registry.yaml",
	PaymentProcessorName: "definitions/payment_processor.yaml",
}

// Programs locates the approval and clear-state programs of a contract. Inline
// sources take precedence over paths; relative paths resolve against the
// definition's artifact directory.
type Programs struct {
	Approval       string `yaml:"approval"`
	Clear          string `yaml:"clear"`
	ApprovalSource string `yaml:"approval_source"`
	ClearSource    string `yaml:"clear_source"`
}

// Definition is the client-side description of a contract: its storage
// layout, programs and the ABI signature of every method the services call.
type Definition struct {
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	Schema   ledger.Schema     `yaml:"schema"`
	Programs Programs          `yaml:"programs"`
	Methods  map[string]string `yaml:"methods"`

	dir string
}

// ParseDefinition decodes a YAML definition. dir is used to resolve relative
// program paths.
func ParseDefinition(data []byte, dir string) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode contract definition: %w", err)
	}
	def.dir = dir
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a YAML definition from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, chainerrors.Configuration("definition", err.Error())
	}
	return ParseDefinition(data, filepath.Dir(path))
}

// Builtin returns the bundled definition for name with program paths resolved
// against artifactsDir.
func Builtin(name, artifactsDir string) (*Definition, error) {
	file, ok := builtinFiles[name]
	if !ok {
		return nil, chainerrors.Configuration("definition", fmt.Sprintf("no bundled definition for %q", name))
	}
	data, err := builtinFS.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(data, artifactsDir)
}

// Validate checks the fields every resolution path needs.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return chainerrors.Configuration("definition.name", "contract name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return chainerrors.Configuration("definition.version", "contract version is required")
	}
	if len(d.Methods) == 0 {
		return chainerrors.Configuration("definition.methods", "at least one method is required")
	}
	for name, sig := range d.Methods {
		if !strings.HasPrefix(sig, name+"(") {
			return chainerrors.Configuration("definition.methods", fmt.Sprintf("signature %q does not match method %q", sig, name))
		}
	}
	return nil
}

// Signature returns the ABI signature of method.
func (d *Definition) Signature(method string) (string, error) {
	sig, ok := d.Methods[method]
	if !ok {
		return "", chainerrors.Validation("method", "%s has no method %q", d.Name, method)
	}
	return sig, nil
}

// MethodNames lists the methods in a stable order.
func (d *Definition) MethodNames() []string {
	names := make([]string, 0, len(d.Methods))
	for name := range d.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sources returns the approval and clear-state program sources.
func (d *Definition) Sources() (approval, clear []byte, err error) {
	approval, err = d.source(d.Programs.ApprovalSource, d.Programs.Approval, "approval")
	if err != nil {
		return nil, nil, err
	}
	clear, err = d.source(d.Programs.ClearSource, d.Programs.Clear, "clear")
	if err != nil {
		return nil, nil, err
	}
	return approval, clear, nil
}

func (d *Definition) source(inline, path, kind string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		return []byte(inline), nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, chainerrors.Configuration("definition.programs."+kind, fmt.Sprintf("%s has no %s program", d.Name, kind))
	}
	if !filepath.IsAbs(path) && d.dir != "" {
		path = filepath.Join(d.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, chainerrors.Configuration("definition.programs."+kind, err.Error())
	}
	return data, nil
}

// WithInlinePrograms returns a copy of d whose programs are the given sources.
func (d *Definition) WithInlinePrograms(approval, clear string) *Definition {
	cp := *d
	cp.Methods = make(map[string]string, len(d.Methods))
	for k, v := range d.Methods {
		cp.Methods[k] = v
	}
	cp.Programs = Programs{ApprovalSource: approval, ClearSource: clear}
	return &cp
}

// ProgramDigest fingerprints compiled programs. Two deployments run the same
// logic exactly when their digests are equal.
func ProgramDigest(approval, clear []byte) string {
	h := blake3.New(32, nil)
	h.Write(approval)
	h.Write([]byte{0})
	h.Write(clear)
	return hex.EncodeToString(h.Sum(nil))
}
