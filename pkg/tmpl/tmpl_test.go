package tmpl

import (
	"reflect"
	"testing"
)

func TestReferencedKeys(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  []string
	}{
		{"plain string", "hello", nil},
		{"single", "{{:: name ::}}", []string{"name"}},
		{"composite", "hello {{:: first ::}} {{:: last ::}}", []string{"first", "last"}},
		{"dotted", "{{:: user.name ::}}", []string{"user"}},
		{"filter", "{{:: pkgs | join(',') ::}}", []string{"pkgs"}},
		{"default filter arg", "{{:: port | default(fallback) ::}}", []string{"port", "fallback"}},
		{"condition", "{{:: not dry and force ::}}", []string{"dry", "force"}},
		{"for loop", "{%:: for p in pkgs ::%}{{:: p ::}}{%:: endfor ::%}", []string{"pkgs"}},
		{"literal jinja ignored", "{{ ansible_var }} {{:: x ::}}", []string{"x"}},
		{"string literal", `{{:: name == "root" ::}}`, []string{"name"}},
		{
			"nested map",
			map[string]interface{}{
				"b": "{{:: second ::}}",
				"a": []interface{}{"{{:: first ::}}", 5},
			},
			[]string{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReferencedKeys(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got: %v", tt.want, got)
			}
		})
	}
}

func TestIdentityKey(t *testing.T) {
	if k, ok := IdentityKey("{{:: name ::}}"); !ok || k != "name" {
		t.Errorf("Expected identity key name, got: %q %v", k, ok)
	}
	if k, ok := IdentityKey("{{::name::}}"); !ok || k != "name" {
		t.Errorf("Expected identity key without spaces, got: %q %v", k, ok)
	}
	for _, s := range []string{"{{:: a.b ::}}", "x {{:: name ::}}", "{{:: name | upper ::}}", "name"} {
		if _, ok := IdentityKey(s); ok {
			t.Errorf("Expected %q not to be an identity template", s)
		}
	}
}

func TestRenderStringNativeTypes(t *testing.T) {
	vars := map[string]interface{}{
		"name":  "world",
		"port":  8080,
		"dry":   true,
		"pkgs":  []interface{}{"nginx", "curl"},
		"user":  map[string]interface{}{"name": "admin"},
		"ratio": 0.5,
	}

	tests := []struct {
		name string
		in   string
		want interface{}
	}{
		{"string", "hello {{:: name ::}}", "hello world"},
		{"int passthrough", "{{:: port ::}}", 8080},
		{"bool passthrough", "{{:: dry ::}}", true},
		{"list passthrough", "{{:: pkgs ::}}", []interface{}{"nginx", "curl"}},
		{"dotted", "{{:: user.name ::}}", "admin"},
		{"list index", "{{:: pkgs.1 ::}}", "curl"},
		{"missing", "{{:: nope ::}}", nil},
		{"expression to bool", "{{:: not dry ::}}", false},
		{"expression to int", "{{:: port + 1 ::}}", 8081},
		{"filter to string", "{{:: name | upper ::}}", "WORLD"},
		{"literal jinja kept", "{{ item }} and {{:: name ::}}", "{{ item }} and world"},
		{"no template", "plain", "plain"},
		{"json filter", "{{:: pkgs | tojson ::}}", []interface{}{"nginx", "curl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderString(tt.in, vars)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got: %#v", tt.want, got)
			}
		})
	}
}

func TestRenderDropsNilKeys(t *testing.T) {
	in := map[string]interface{}{
		"present": "{{:: a ::}}",
		"absent":  "{{:: b ::}}",
		"nested":  map[string]interface{}{"x": "{{:: b ::}}", "y": 1},
	}
	out, err := Render(in, map[string]interface{}{"a": "A"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := map[string]interface{}{
		"present": "A",
		"nested":  map[string]interface{}{"y": 1},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Expected %#v, got: %#v", want, out)
	}
}

func TestRenderRunConfig(t *testing.T) {
	vars := map[string]interface{}{"host": "web1", "env": map[string]interface{}{"USER": "deploy"}}
	got, err := RenderRunConfig(map[string]interface{}{
		"target": "{{ env.USER }}@{{ host }}",
		"port":   22,
	}, vars)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m := got.(map[string]interface{})
	if m["target"] != "deploy@web1" {
		t.Errorf("Expected deploy@web1, got: %v", m["target"])
	}
	if m["port"] != 22 {
		t.Errorf("Expected port 22 untouched, got: %v", m["port"])
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":            "''",
		"simple":      "simple",
		"hello world": "'hello world'",
		"it's":        `'it'"'"'s'`,
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q): expected %q, got: %q", in, want, got)
		}
	}
}
