package domain

// CredentialBundle живет только в стеке вызова StartSession.
// Никогда не сериализуется: у полей нет json-тегов, а String() редактирует значения.
type CredentialBundle struct {
	Username string
	Email    string
	Secret   string
	Extra    map[string]string
}

// Identity возвращает значение для поля логина с учетом предпочтения ассета.
func (c *CredentialBundle) Identity(field IdentityField) string {
	if field == IdentityEmail && c.Email != "" {
		return c.Email
	}
	if c.Username != "" {
		return c.Username
	}
	return c.Email
}

// Wipe обнуляет бандл после завершения логин-сценария.
func (c *CredentialBundle) Wipe() {
	if c == nil {
		return
	}
	c.Username, c.Email, c.Secret = "", "", ""
	for k := range c.Extra {
		delete(c.Extra, k)
	}
}

func (c *CredentialBundle) String() string   { return "CredentialBundle{<redacted>}" }
func (c *CredentialBundle) GoString() string { return c.String() }
