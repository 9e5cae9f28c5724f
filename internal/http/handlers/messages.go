package handlers

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const msgInsufficientCredits = "This job needs %d credits but only %d are available."

func init() {
	_ = message.SetString(language.Indonesian, msgInsufficientCredits,
		"Pekerjaan ini membutuhkan %d kredit, tetapi hanya %d yang tersedia.")
}
