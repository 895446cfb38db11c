package tui

func bestEffortResetTTY() {}
