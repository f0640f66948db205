package corvid

// DefaultUModes is this server's own umode letter table. A different
// linked server may use different letters for the same names; the mode
// translator (mode.go) exists precisely to bridge that.
func DefaultUModes() map[string]ModeDef {
	return map[string]ModeDef{
		"ircop":     {Letter: 'o', Type: ModeTypeFlag},
		"invisible": {Letter: 'i', Type: ModeTypeFlag},
		"wallops":   {Letter: 'w', Type: ModeTypeFlag},
		"snotices":  {Letter: 's', Type: ModeTypeFlag},
		"ssl":       {Letter: 'z', Type: ModeTypeFlag},
		"deaf":      {Letter: 'D', Type: ModeTypeFlag},
	}
}

// DefaultCModes is this server's own cmode letter table.
func DefaultCModes() map[string]ModeDef {
	return map[string]ModeDef{
		"op":         {Letter: 'o', Type: ModeTypeStatus},
		"voice":      {Letter: 'v', Type: ModeTypeStatus},
		"ban":        {Letter: 'b', Type: ModeTypeList},
		"exception":  {Letter: 'e', Type: ModeTypeList},
		"invex":      {Letter: 'I', Type: ModeTypeList},
		"key":        {Letter: 'k', Type: ModeTypeScalar},
		"limit":      {Letter: 'l', Type: ModeTypeScalar},
		"moderated":  {Letter: 'm', Type: ModeTypeFlag},
		"noexternal": {Letter: 'n', Type: ModeTypeFlag},
		"topiclock":  {Letter: 't', Type: ModeTypeFlag},
		"secret":     {Letter: 's', Type: ModeTypeFlag},
		"inviteonly": {Letter: 'i', Type: ModeTypeFlag},
	}
}
