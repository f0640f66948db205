package corvid

import "testing"

func TestMakeTS6ID(t *testing.T) {
	tests := []struct {
		id   uint64
		want string
	}{
		{0, "AAAAAA"},
		{1, "AAAAAB"},
		{25, "AAAAAZ"},
		{26, "AAAAA0"},
		{35, "AAAAA9"},
		{36, "AAAABA"},
	}

	for _, tt := range tests {
		got, err := makeTS6ID(tt.id)
		if err != nil {
			t.Fatalf("makeTS6ID(%d): unexpected error: %s", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("makeTS6ID(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestMakeTS6IDOverflow(t *testing.T) {
	if _, err := makeTS6ID(maxTS6ID); err == nil {
		t.Fatal("expected overflow error at maxTS6ID")
	}
}

func TestMakeTS6UID(t *testing.T) {
	uid, err := makeTS6UID("1AB", 0)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if uid != "1ABAAAAAA" {
		t.Fatalf("got %q, want 1ABAAAAAA", uid)
	}
	if !isValidUID(uid) {
		t.Fatalf("minted UID %q fails isValidUID", uid)
	}
}

func TestCollapseModeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"+", ""},
		{"-", ""},
		{"+o", "+o"},
		{"+o+i", "+oi"},
		{"+O+i-w", "+Oi-w"},
		{"+o-", "+o"},
		{"+o-+i", "+oi"},
		{"+a+b+c", "+abc"},
		{"+a-b+c", "+a-b+c"},
	}

	for _, tt := range tests {
		got := collapseModeString(tt.in)
		if got != tt.want {
			t.Errorf("collapseModeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidNick(t *testing.T) {
	if !isValidNick(9, "foo_bar") {
		t.Error("expected foo_bar to be valid")
	}
	if isValidNick(9, "1abc") {
		t.Error("expected leading digit to be invalid")
	}
	if isValidNick(9, "") {
		t.Error("expected empty nick to be invalid")
	}
	if isValidNick(3, "abcd") {
		t.Error("expected over-length nick to be invalid")
	}
}

func TestIsValidChannel(t *testing.T) {
	if !isValidChannel("#general") {
		t.Error("expected #general to be valid")
	}
	if isValidChannel("general") {
		t.Error("expected missing prefix to be invalid")
	}
	if isValidChannel("#has space") {
		t.Error("expected space to be invalid")
	}
}

func TestIsNumericCommand(t *testing.T) {
	if !isNumericCommand("001") {
		t.Error("expected 001 to be numeric")
	}
	if isNumericCommand("PING") {
		t.Error("expected PING to not be numeric")
	}
	if isNumericCommand("01") {
		t.Error("expected short string to not be numeric")
	}
}
