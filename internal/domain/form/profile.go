package form

// Profile carries per-form tuning loaded from configuration.
type Profile struct {
	FormVersion string `yaml:"form_version"`
	// DateFormat replaces DefaultDateFormat for date fields without their own.
	DateFormat string `yaml:"date_format"`
	// CheckboxTrue and CheckboxFalse extend the default checkbox vocabulary.
	CheckboxTrue  []string                 `yaml:"checkbox_true"`
	CheckboxFalse []string                 `yaml:"checkbox_false"`
	Fields        map[string]FieldOverride `yaml:"fields"`
}

// Overrides returns the profile's field overrides. A nil profile has none.
func (p *Profile) Overrides() map[string]FieldOverride {
	if p == nil {
		return nil
	}
	return p.Fields
}

func (p *Profile) dateFormat() string {
	if p == nil {
		return ""
	}
	return p.DateFormat
}
