// Package catalog держит каталог ассетов: встроенные bmg/icred плюс YAML файл оператора.
package catalog

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/xela07ax/webasset-gate/internal/domain"
	"gopkg.in/yaml.v3"
)

// assetEntry — формат записи в YAML файле.
type assetEntry struct {
	ID             string                 `yaml:"id"`
	Name           string                 `yaml:"name"`
	URL            string                 `yaml:"url"`
	Kind           string                 `yaml:"kind,omitempty"`
	IdentityField  string                 `yaml:"identity_field,omitempty"`
	SecretPath     string                 `yaml:"secret_path,omitempty"`
	RequiredGroups []string               `yaml:"required_groups"`
	Selectors      *domain.FieldSelectors `yaml:"selectors,omitempty"`
}

type file struct {
	Assets []assetEntry `yaml:"assets"`
}

// Catalog — неизменяемый после загрузки набор определений. Порядок сохраняется.
type Catalog struct {
	order  []string
	assets map[string]domain.AssetDefinition
}

// Load читает YAML файл поверх встроенного каталога. Пустой путь — только встроенные ассеты.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes разбирает YAML; записи с тем же id заменяют встроенные.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: failed to parse YAML: %w", err)
	}

	c := Builtin()
	for i, e := range f.Assets {
		def, err := e.toDefinition()
		if err != nil {
			return nil, fmt.Errorf("catalog: asset #%d: %w", i, err)
		}
		c.put(def)
	}
	return c, nil
}

// Builtin возвращает каталог с двумя скриптованными ассетами.
func Builtin() *Catalog {
	c := &Catalog{assets: make(map[string]domain.AssetDefinition)}

	bmgURL := os.Getenv("BMG_CONSIG_URL")
	if bmgURL == "" {
		bmgURL = "https://www.bmgconsig.com.br/Index.do?method=prepare"
	}
	c.put(domain.AssetDefinition{
		ID:          "bmg",
		DisplayName: "BMG Consignado",
		LoginURL:    bmgURL,
		Kind:        domain.KindScripted,
		Selectors: &domain.FieldSelectors{
			Username:     `input[name="username"], input[type="text"]`,
			Password:     `input[name="password"], input[type="password"]`,
			Submit:       `button[type="submit"], input[type="submit"]`,
			SecondFactor: `input[name="otp"], input[name="token"]`,
		},
		RequiredGroups: []string{"banking-users", "bmg-access", "admin"},
		IdentityField:  domain.IdentityUsername,
		Source:         domain.SourceCatalog,
	})
	icredURL := os.Getenv("ICRED_API_URL")
	if icredURL == "" {
		icredURL = "https://api.icred.app/authorization-server/custom-login"
	}
	c.put(domain.AssetDefinition{
		ID:          "icred",
		DisplayName: "iCred",
		LoginURL:    icredURL,
		Kind:        domain.KindScripted,
		Selectors: &domain.FieldSelectors{
			Username: `input[name="email"], input[type="email"]`,
			Password: `input[name="password"], input[type="password"]`,
			Submit:   `button[type="submit"]`,
		},
		RequiredGroups: []string{"banking-users", "icred-access", "admin"},
		IdentityField:  domain.IdentityEmail,
		Source:         domain.SourceCatalog,
	})
	return c
}

func (c *Catalog) put(def domain.AssetDefinition) {
	if _, ok := c.assets[def.ID]; !ok {
		c.order = append(c.order, def.ID)
	}
	c.assets[def.ID] = def
}

// Get возвращает копию определения.
func (c *Catalog) Get(id string) (domain.AssetDefinition, bool) {
	def, ok := c.assets[id]
	if !ok {
		return domain.AssetDefinition{}, false
	}
	return cloneDefinition(def), true
}

// List возвращает все определения в порядке объявления.
func (c *Catalog) List() []domain.AssetDefinition {
	out := make([]domain.AssetDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneDefinition(c.assets[id]))
	}
	return out
}

// Policies — статический слой для policy.MemoEnforcer.
func (c *Catalog) Policies() []domain.AssetPolicy {
	out := make([]domain.AssetPolicy, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, domain.AssetPolicy{
			AssetID: id,
			Groups:  slices.Clone(c.assets[id].RequiredGroups),
			Source:  domain.PolicyFromCatalog,
		})
	}
	return out
}

func (e assetEntry) toDefinition() (domain.AssetDefinition, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return domain.AssetDefinition{}, fmt.Errorf("id is required")
	}
	if e.URL == "" {
		return domain.AssetDefinition{}, fmt.Errorf("%s: url is required", id)
	}

	kind := domain.AssetKind(e.Kind)
	switch kind {
	case "":
		kind = domain.KindScripted
		if e.Selectors == nil {
			kind = domain.KindCustom
		}
	case domain.KindScripted:
		if e.Selectors == nil {
			return domain.AssetDefinition{}, fmt.Errorf("%s: scripted asset needs selectors", id)
		}
	case domain.KindCustom:
	default:
		return domain.AssetDefinition{}, fmt.Errorf("%s: unknown kind %q", id, e.Kind)
	}

	identity := domain.IdentityField(e.IdentityField)
	switch identity {
	case "":
		identity = domain.IdentityUsername
	case domain.IdentityUsername, domain.IdentityEmail:
	default:
		return domain.AssetDefinition{}, fmt.Errorf("%s: unknown identity_field %q", id, e.IdentityField)
	}

	def := domain.AssetDefinition{
		ID:             id,
		DisplayName:    e.Name,
		LoginURL:       e.URL,
		Kind:           kind,
		RequiredGroups: slices.Clone(e.RequiredGroups),
		SecretPath:     e.SecretPath,
		IdentityField:  identity,
		Source:         domain.SourceCatalog,
	}
	if def.DisplayName == "" {
		def.DisplayName = id
	}
	if kind == domain.KindScripted {
		sel := *e.Selectors
		def.Selectors = &sel
	}
	return def, nil
}

func cloneDefinition(def domain.AssetDefinition) domain.AssetDefinition {
	def.RequiredGroups = slices.Clone(def.RequiredGroups)
	if def.Selectors != nil {
		sel := *def.Selectors
		def.Selectors = &sel
	}
	return def
}
