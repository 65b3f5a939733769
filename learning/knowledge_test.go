package learning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKnowledgeStoreFindSimilar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	ks := NewKnowledgeStore(path)

	ks.StoreInteraction(QAInteraction{
		Question:   "What is the refund policy?",
		Answer:     "Refunds within 30 days.",
		CitedFiles: []string{"handbook.pdf"},
	})
	ks.StoreInteraction(QAInteraction{
		Question:   "How do I reset my password?",
		Answer:     "Use the forgot-password link.",
		CitedFiles: []string{"faq.pdf"},
	})

	matches := ks.FindSimilar("what's the refund policy for returns", 3)
	require.NotEmpty(t, matches)
	require.Equal(t, "What is the refund policy?", matches[0].Question)
}

func TestKnowledgeStoreExcludesNegativeFeedback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	ks := NewKnowledgeStore(path)

	id := ks.StoreInteraction(QAInteraction{
		Question: "refund policy details",
		Answer:   "bad answer",
	})
	require.True(t, ks.UpdateFeedback(id, -1))

	matches := ks.FindSimilar("refund policy", 5)
	require.Empty(t, matches)
}

func TestKnowledgeStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	ks := NewKnowledgeStore(path)
	ks.StoreInteraction(QAInteraction{Question: "persisted question", Answer: "persisted answer"})

	reloaded := NewKnowledgeStore(path)
	stats := reloaded.Stats()
	require.Equal(t, 1, stats.TotalInteractions)

	matches := reloaded.FindSimilar("persisted question", 1)
	require.Len(t, matches, 1)
	require.Equal(t, "persisted answer", matches[0].Answer)
}

func TestKnowledgeStoreUpdateFeedbackUnknownID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	ks := NewKnowledgeStore(path)
	require.False(t, ks.UpdateFeedback("does-not-exist", 1))
}
