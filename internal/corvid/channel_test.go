package corvid

import "testing"

func TestChannelMembershipAndStatus(t *testing.T) {
	c := NewChannel("#general")

	if c.HasMember("1AAAAAAAA") {
		t.Fatal("expected no members on a fresh channel")
	}

	c.AddMember("1AAAAAAAA")
	if !c.HasMember("1AAAAAAAA") {
		t.Fatal("expected member to be present after AddMember")
	}

	c.GrantStatus("1AAAAAAAA", "op")
	modes := c.StatusModes("1AAAAAAAA")
	if len(modes) != 1 || modes[0] != "op" {
		t.Fatalf("expected [op], got %v", modes)
	}

	c.RevokeStatus("1AAAAAAAA", "op")
	if modes := c.StatusModes("1AAAAAAAA"); len(modes) != 0 {
		t.Fatalf("expected status revoked, got %v", modes)
	}

	c.RemoveMember("1AAAAAAAA")
	if c.HasMember("1AAAAAAAA") {
		t.Fatal("expected member removed")
	}
	if c.StatusModes("1AAAAAAAA") != nil {
		t.Fatal("expected nil status modes for a non-member")
	}
}
