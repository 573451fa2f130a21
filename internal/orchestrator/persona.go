package orchestrator

import (
	"fmt"
	"strings"
)

// SystemInstruction builds the persona instruction for a prompt
func SystemInstruction(p *Prompt) string {
	name := p.Character.Name
	if name == "" {
		name = "your companion"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, talking with the user on a live voice call. ", name)
	b.WriteString("Everything you write is spoken aloud, so answer in one or two short conversational sentences. ")
	b.WriteString("Never use lists, markdown, emoji or stage directions. ")

	switch {
	case p.Intensity >= 0.7:
		b.WriteString("You know the user well and speak warmly and playfully. ")
	case p.Intensity >= 0.35:
		b.WriteString("You are friendly and getting to know the user. ")
	default:
		b.WriteString("You have only just met the user; be kind and curious. ")
	}

	switch p.Kind {
	case KindFollowUp:
		b.WriteString("The user has gone quiet. Say one short, natural line that invites them back into the conversation without repeating yourself.")
	case KindFarewell:
		b.WriteString("The user is ending the call. Say a brief, warm goodbye.")
	default:
		b.WriteString("Reply to what the user just said.")
	}
	return b.String()
}
