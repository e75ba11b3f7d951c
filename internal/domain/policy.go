package domain

// PolicyEffect определяет, что делать с запросом
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "ALLOW"
	EffectDeny  PolicyEffect = "DENY"
)

// PolicySource — откуда пришло правило. Статические правила всегда сильнее динамических.
type PolicySource string

const (
	PolicyFromCatalog  PolicySource = "catalog"
	PolicyFromOverride PolicySource = "override" // Redis hash, правится оператором ИБ
	PolicyFromVault    PolicySource = "vault"    // кастомный ассет, обнаруженный в хранилище секретов
)

// AssetPolicy — правило доступа к ассету: достаточно состоять хотя бы в одной из групп.
type AssetPolicy struct {
	AssetID string       `json:"asset_id"`
	Groups  []string     `json:"groups"`
	Source  PolicySource `json:"source"`
}

// Decide — метод-интерпретатор. Гарантирует запрет, если правило не найдено
// или у него пустой набор групп (Zero Trust).
func (p *AssetPolicy) Decide(callerGroups []string) PolicyEffect {
	if p == nil || len(p.Groups) == 0 {
		return EffectDeny
	}
	for _, want := range p.Groups {
		for _, have := range callerGroups {
			if want != "" && want == have {
				return EffectAllow
			}
		}
	}
	return EffectDeny
}
