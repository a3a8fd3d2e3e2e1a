package validate

import "testing"

func TestValidatePassword_TooShort(t *testing.T) {
	r := ValidatePassword("Sh0rt!")
	if r.Valid {
		t.Error("expected invalid for short password")
	}
}

func TestValidatePassword_MissingClasses(t *testing.T) {
	r := ValidatePassword("alllowercase12345")
	if r.Valid {
		t.Error("expected invalid: missing uppercase and special char")
	}
	found := false
	for _, e := range r.Errors {
		if e == "password must include an uppercase letter" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected uppercase error, got %v", r.Errors)
	}
}

func TestValidatePassword_StrongRequiresLength16(t *testing.T) {
	r := ValidatePassword("ShortPass12!")
	if !r.Valid {
		t.Fatalf("12-char candidate with no errors expected valid, got %v", r.Errors)
	}
	if r.Strength != StrengthMedium {
		t.Errorf("Strength = %v, want %v (strong needs length >= 16)", r.Strength, StrengthMedium)
	}
}

func TestValidatePassword_Strength(t *testing.T) {
	cases := []struct {
		pw   string
		want Strength
	}{
		{"Sup3rDuper$ecret!!", StrengthStrong}, // len>=16, no errors
		{"Medium1Pass!", StrengthMedium},       // len>=12, <=1 error (none here)
		{"alllowercase", StrengthWeak},         // multiple errors
	}
	for _, c := range cases {
		r := ValidatePassword(c.pw)
		if r.Strength != c.want {
			t.Errorf("ValidatePassword(%q).Strength = %v, want %v (errors=%v)", c.pw, r.Strength, c.want, r.Errors)
		}
	}
}

func TestValidateSecretKey(t *testing.T) {
	valid := []string{"API_KEY", "DATABASE_URL", "A", "A1_2B"}
	for _, k := range valid {
		if !ValidateSecretKey(k) {
			t.Errorf("expected %q to be valid", k)
		}
	}
	invalid := []string{"", "api_key", "1KEY", "KEY-NAME", "KEY NAME"}
	for _, k := range invalid {
		if ValidateSecretKey(k) {
			t.Errorf("expected %q to be invalid", k)
		}
	}
}

func TestValidateSecretKey_LengthLimit(t *testing.T) {
	long := "A"
	for i := 0; i < 260; i++ {
		long += "B"
	}
	if ValidateSecretKey(long) {
		t.Error("expected keys over 255 chars to be invalid")
	}
}

func TestValidateEnvironment(t *testing.T) {
	for _, e := range []string{"dev", "staging", "prod", "all"} {
		if !ValidateEnvironment(e) {
			t.Errorf("expected %q to be valid", e)
		}
	}
	for _, e := range []string{"development", "PROD", "", "test"} {
		if ValidateEnvironment(e) {
			t.Errorf("expected %q to be invalid", e)
		}
	}
}
