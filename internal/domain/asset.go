package domain

// AssetKind — тег варианта AssetDefinition.
type AssetKind string

const (
	// KindScripted — у ассета есть объявленные селекторы формы входа.
	KindScripted AssetKind = "scripted"
	// KindCustom — произвольный сайт, форма ищется эвристикой (best-effort).
	KindCustom AssetKind = "custom"
)

// AssetSource — откуда пришло определение ассета.
type AssetSource string

const (
	SourceCatalog AssetSource = "catalog"
	SourceVault   AssetSource = "vault"
	SourceURL     AssetSource = "url"
)

// CustomAssetID — класс ассетов, заданных явным URL. Политика по умолчанию — запрет.
const CustomAssetID = "custom"

// IdentityField указывает, какое поле бандла подставлять в поле логина.
type IdentityField string

const (
	IdentityUsername IdentityField = "username"
	IdentityEmail    IdentityField = "email"
)

// FieldSelectors — абстрактные дескрипторы контролов формы входа.
// Строка, начинающаяся с "/", трактуется как XPath, иначе как CSS.
type FieldSelectors struct {
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"password"`
	Submit       string `yaml:"submit" json:"submit"`
	SecondFactor string `yaml:"second_factor,omitempty" json:"secondFactor,omitempty"`
}

// AssetDefinition — каталожная сущность. Ядро ее только читает.
type AssetDefinition struct {
	ID             string          `json:"id"`
	DisplayName    string          `json:"name"`
	LoginURL       string          `json:"url"`
	Kind           AssetKind       `json:"kind"`
	Selectors      *FieldSelectors `json:"-"`
	RequiredGroups []string        `json:"requiredGroups"`
	SecretPath     string          `json:"-"`
	IdentityField  IdentityField   `json:"-"`
	Source         AssetSource     `json:"source"`
}

// Heuristic сообщает, что вход выполняется эвристикой, а не по селекторам.
func (a AssetDefinition) Heuristic() bool {
	return a.Kind == KindCustom || a.Selectors == nil
}
