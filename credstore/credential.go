package credstore

// Credential is the session state of one signed-in account. It is stored and
// replaced as a single value.
type Credential struct {
	AccessToken  string         `json:"access"`
	RefreshToken string         `json:"refresh"`
	Profile      map[string]any `json:"profile,omitempty"`
}

func (c Credential) clone() Credential {
	c.Profile = cloneProfile(c.Profile)
	return c
}

func (c Credential) empty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && len(c.Profile) == 0
}

// cloneProfile copies p down to its leaves, so nested objects and lists
// handed to callers never alias the stored profile.
func cloneProfile(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneProfile(v)
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
