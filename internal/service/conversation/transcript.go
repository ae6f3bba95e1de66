package conversation

import (
	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
)

// latestIncomplete returns the index of the newest in-flight entry, optionally
// restricted to one role, or -1.
func latestIncomplete(transcript []model.Message, role model.Role) int {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Complete {
			continue
		}
		if role == "" || transcript[i].Role == role {
			return i
		}
	}
	return -1
}

func removeAt(transcript []model.Message, i int) []model.Message {
	if i < 0 || i >= len(transcript) {
		return transcript
	}
	return append(transcript[:i], transcript[i+1:]...)
}

// dropIncomplete removes every in-flight entry.
func dropIncomplete(transcript []model.Message) []model.Message {
	out := transcript[:0]
	for _, m := range transcript {
		if m.Complete {
			out = append(out, m)
		}
	}
	return out
}

// pendingProducts finds the nearest system entry with products that has not
// been folded into a reply yet. The scan ends at the previous finalized
// assistant entry, so results already answered stay where they are. User
// entries do not end the scan: a voice transcription often lands after the
// tool result of the same turn. Returns -1 if none.
//
// If the turn produced more than one such entry, only the nearest is merged
// and the older ones stay as standalone result cards.
func pendingProducts(transcript []model.Message) int {
	for i := len(transcript) - 1; i >= 0; i-- {
		m := transcript[i]
		if m.Role == model.RoleAssistant && m.Complete {
			return -1
		}
		if m.Role == model.RoleSystem && m.HasProducts() {
			return i
		}
	}
	return -1
}

// finalizeAssistant is the reconciliation step run for every finalized assistant
// message: supersede the in-flight assistant entry, fold the pending product
// results of this turn into the reply, and append the reply at the end. A live
// user voice entry is left in place for its transcription.
func finalizeAssistant(transcript []model.Message, reply model.Message) []model.Message {
	transcript = removeAt(transcript, latestIncomplete(transcript, model.RoleAssistant))

	if i := pendingProducts(transcript); i >= 0 {
		reply.Products = append([]model.Product(nil), transcript[i].Products...)
		transcript = removeAt(transcript, i)
	}

	reply.Role = model.RoleAssistant
	reply.Complete = true
	return append(transcript, reply)
}

func cloneTranscript(transcript []model.Message) []model.Message {
	out := make([]model.Message, len(transcript))
	for i, m := range transcript {
		out[i] = m.Clone()
	}
	return out
}
