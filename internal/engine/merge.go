package engine

import (
	"slices"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// heuristicWindow bounds how far apart two copies of the same message
// may be stamped when they can only be matched by content and sender.
const heuristicWindow = 10 * time.Second

// Merge reconciles a batch of server-sourced messages into an existing
// list. The result is sorted by createdAt and holds at most one entry per
// server ID. Neither input is modified.
func Merge(existing, incoming []models.Message) []models.Message {
	out := models.CloneMessages(existing)

	for _, m := range incoming {
		if i := matchIndex(out, m); i >= 0 {
			out[i] = mergePair(out[i], m)
			continue
		}

		out = append(out, m.Clone())
	}

	return normalize(out)
}

// matchIndex finds the entry m describes: by server ID, then temp ID,
// then by content, sender and a close timestamp. It returns -1 when
// nothing matches.
func matchIndex(list []models.Message, m models.Message) int {
	if m.ID != "" {
		if i := slices.IndexFunc(list, func(x models.Message) bool { return x.ID == m.ID }); i >= 0 {
			return i
		}
	}

	if m.TempID != "" {
		if i := slices.IndexFunc(list, func(x models.Message) bool { return x.TempID == m.TempID }); i >= 0 {
			return i
		}
	}

	key := m.ContentKey()
	if key == "" {
		return -1
	}

	return slices.IndexFunc(list, func(x models.Message) bool {
		// Two different server IDs or two different temp IDs are two
		// different messages, however alike.
		if x.ID != "" && m.ID != "" {
			return false
		}

		if x.TempID != "" && m.TempID != "" {
			return false
		}

		return x.Sender.ID == m.Sender.ID &&
			x.ContentKey() == key &&
			absDuration(x.CreatedAt.Sub(m.CreatedAt)) < heuristicWindow
	})
}

// mergePair combines two copies of one message. The authoritative copy
// supplies the fields, the higher status rank wins and receipts are
// unioned. Temp IDs are always retained.
func mergePair(existing, incoming models.Message) models.Message {
	base, other := incoming, existing
	if existing.Authoritative() && !incoming.Authoritative() {
		base, other = existing, incoming
	}

	out := base.Clone()

	if out.ID == "" {
		out.ID = other.ID
	}

	if out.TempID == "" {
		out.TempID = other.TempID
	}

	if other.Status.Rank() > out.Status.Rank() {
		out.Status = other.Status
	}

	if out.Status == "" {
		out.Status = other.Status
	}

	if out.Status != models.StatusFailed {
		out.Error = ""
	}

	if len(out.Attachments) == 0 {
		out.Attachments = slices.Clone(other.Attachments)
	}

	out.ReadBy = unionReceipts(out.ReadBy, other.ReadBy)
	out.DeliveredTo = unionReceipts(out.DeliveredTo, other.DeliveredTo)

	return out
}

// normalize sorts by createdAt, keeping insertion order for ties, and
// folds entries sharing a server ID into the first one. Entries without
// an ID are always kept.
func normalize(list []models.Message) []models.Message {
	slices.SortStableFunc(list, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	seen := make(map[string]int, len(list))
	out := list[:0]

	for _, m := range list {
		if m.ID == "" {
			out = append(out, m)
			continue
		}

		if i, ok := seen[m.ID]; ok {
			out[i] = mergePair(out[i], m)
			continue
		}

		seen[m.ID] = len(out)
		out = append(out, m)
	}

	return out
}

func unionReceipts(a, b []models.Receipt) []models.Receipt {
	if len(b) == 0 {
		return a
	}

	out := slices.Clone(a)

	for _, r := range b {
		if !slices.ContainsFunc(out, func(x models.Receipt) bool { return x.User.ID == r.User.ID }) {
			out = append(out, r)
		}
	}

	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
