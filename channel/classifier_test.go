package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustClassifier(t *testing.T) *classifier {
	t.Helper()
	cls, err := newClassifier(nil, DefaultCompletionMarker, 0)
	require.NoError(t, err)
	return cls
}

func TestClassifierPlainOutput(t *testing.T) {
	cls := mustClassifier(t)
	assert.Equal(t, Plain, cls.feed([]byte("checking kernel parameters\n")))
	assert.Equal(t, Plain, cls.feed([]byte("ok\n")))
}

func TestClassifierSudoPrompt(t *testing.T) {
	cls := mustClassifier(t)
	assert.Equal(t, ElevationPrompt, cls.feed([]byte("[sudo] password for svc-stig: ")))
}

func TestClassifierBarePasswordPrompt(t *testing.T) {
	cls := mustClassifier(t)
	assert.Equal(t, ElevationPrompt, cls.feed([]byte("Password: ")))
}

func TestClassifierPromptSplitAcrossChunks(t *testing.T) {
	cls := mustClassifier(t)
	assert.Equal(t, Plain, cls.feed([]byte("[sudo] pass")))
	assert.Equal(t, ElevationPrompt, cls.feed([]byte("word for svc-stig: ")))
}

func TestClassifierPromptNotMidStream(t *testing.T) {
	// Prompt text followed by more output is not a waiting prompt.
	cls := mustClassifier(t)
	assert.Equal(t, Plain, cls.feed([]byte("grep 'password for user: ' /var/log/auth.log\n")))
}

func TestClassifierConsumesMatchedSpan(t *testing.T) {
	cls := mustClassifier(t)
	require.Equal(t, ElevationPrompt, cls.feed([]byte("[sudo] password for svc-stig: ")))
	// The matched text is gone; an empty follow-up chunk cannot
	// re-trigger on stale tail contents.
	assert.Equal(t, Plain, cls.feed([]byte("\n")))
}

func TestClassifierCompletionMarker(t *testing.T) {
	cls := mustClassifier(t)
	assert.Equal(t, CompletionMarker, cls.feed([]byte(DefaultCompletionMarker+"\n")))
	assert.Equal(t, Plain, cls.feed([]byte("trailing\n")))
}

func TestClassifierMarkerSplitAcrossChunks(t *testing.T) {
	cls := mustClassifier(t)
	half := len(DefaultCompletionMarker) / 2
	assert.Equal(t, Plain, cls.feed([]byte(DefaultCompletionMarker[:half])))
	assert.Equal(t, CompletionMarker, cls.feed([]byte(DefaultCompletionMarker[half:])))
}

func TestClassifierTailBounded(t *testing.T) {
	cls, err := newClassifier(nil, "", 64)
	require.NoError(t, err)
	cls.feed([]byte(strings.Repeat("x", 1024)))
	assert.LessOrEqual(t, len(cls.tail), 64)
	// Detection still works once the prompt lands at the tail end.
	assert.Equal(t, ElevationPrompt, cls.feed([]byte("[sudo] password for svc-stig: ")))
}

func TestClassifierCustomPatterns(t *testing.T) {
	cls, err := newClassifier([]string{`Enter PIN: ?$`}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, Plain, cls.feed([]byte("[sudo] password for svc-stig: ")))
	assert.Equal(t, ElevationPrompt, cls.feed([]byte("Enter PIN: ")))
}

func TestClassifierRejectsInvalidPattern(t *testing.T) {
	_, err := newClassifier([]string{"["}, "", 0)
	assert.Error(t, err)
}

func TestStateStrings(t *testing.T) {
	for st, want := range map[State]string{
		Started: "Started", AwaitingElevation: "AwaitingElevation",
		Streaming: "Streaming", Completed: "Completed", Failed: "Failed",
		TimedOut: "TimedOut", Cancelled: "Cancelled",
	} {
		assert.Equal(t, want, st.String())
	}
}

func TestBoundedBufferKeepsTail(t *testing.T) {
	var b boundedBuffer
	b.limit = 8
	b.write("0123456789abcdef")
	assert.Equal(t, "89abcdef", b.String())
}
