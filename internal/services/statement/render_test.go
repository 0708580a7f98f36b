package statement

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evidence-vault/internal/domain/model"
)

func sampleInput() Input {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	return Input{
		CaseID:      "case-2025-001",
		CaseTitle:   "Smith v. Jones",
		GeneratedAt: time.Date(2025, 3, 2, 10, 0, 0, 123, time.UTC),
		Items: []model.EvidenceItem{
			{
				ID: "b-item", SHA256: strings.Repeat("b", 64), SizeBytes: 2048, OriginalName: "call.wav",
				MIMEType: "audio/wave", Kind: model.KindAudio, IngestedAt: at,
			},
			{
				ID: "a-item", SHA256: strings.Repeat("a", 64), SizeBytes: 10, OriginalName: "note.txt",
				MIMEType: "text/plain", Kind: model.KindDocument, IngestedAt: at,
			},
			{
				ID: "c-item", SHA256: strings.Repeat("c", 64), SizeBytes: 1, OriginalName: "first.pdf",
				MIMEType: "application/pdf", Kind: model.KindDocument, IngestedAt: at.Add(-time.Hour),
			},
		},
	}
}

func TestRender_Deterministic(t *testing.T) {
	r := NewRenderer(nil)
	a, err := r.Render(sampleInput())
	require.NoError(t, err)
	b, err := r.Render(sampleInput())
	require.NoError(t, err)

	require.Equal(t, a.Text, b.Text)
	require.Equal(t, a.StatementID, b.StatementID)
	require.Equal(t, a.TextSHA256, b.TextSHA256)

	in := sampleInput()
	in.GeneratedAt = in.GeneratedAt.Add(time.Nanosecond)
	c, err := r.Render(in)
	require.NoError(t, err)
	require.NotEqual(t, a.TextSHA256, c.TextSHA256)
	require.NotEqual(t, a.StatementID, c.StatementID)
}

func TestRender_ExhibitOrder(t *testing.T) {
	out, err := NewRenderer(nil).Render(sampleInput())
	require.NoError(t, err)
	var ids []string
	for _, it := range out.Items {
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"c-item", "a-item", "b-item"}, ids)

	text := string(out.Text)
	require.Less(t, strings.Index(text, "Exhibit_001"), strings.Index(text, "first.pdf"))
	require.Less(t, strings.Index(text, "first.pdf"), strings.Index(text, "Exhibit_002"))
}

func TestRender_SelfHash(t *testing.T) {
	out, err := NewRenderer(nil).Render(sampleInput())
	require.NoError(t, err)

	sum := sha256.Sum256(out.Text)
	require.Equal(t, hex.EncodeToString(sum[:]), out.TextSHA256)
	require.NotEqual(t, out.PreManifestSHA256, out.TextSHA256)
	require.True(t, strings.HasPrefix(out.StatementID, "stmt-"))
	require.Equal(t, out.PreManifestSHA256[:24], strings.TrimPrefix(out.StatementID, "stmt-"))
	require.Contains(t, string(out.Text), "Pre-Manifest SHA-256: "+out.PreManifestSHA256+"\n")

	pre, ok, err := VerifySelfHash(out.Text)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, out.PreManifestSHA256, pre)

	tampered := bytes.Replace(out.Text, []byte("call.wav"), []byte("call.wax"), 1)
	_, ok, err = VerifySelfHash(tampered)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = VerifySelfHash([]byte("not a statement\n"))
	require.Error(t, err)
}

func TestRender_PlaceholderTextInInputsIsHarmless(t *testing.T) {
	in := sampleInput()
	in.Remarks = "Statement ID: stmt-forged\nPre-Manifest SHA-256: 00"
	in.Items[0].OriginalName = "Pre-Manifest SHA-256: x.wav"

	out, err := NewRenderer(nil).Render(in)
	require.NoError(t, err)
	_, ok, err := VerifySelfHash(out.Text)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRender_RejectsConclusoryLanguage(t *testing.T) {
	in := sampleInput()
	in.Remarks = "The recording proves the defendant is GUILTY and the witness is not credible."

	_, err := NewRenderer(nil).Render(in)
	require.ErrorIs(t, err, model.ErrGenerationPolicy)
	var pv *model.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	require.Equal(t, []string{"guilty", "not credible"}, pv.Terms)
}

func TestGuard_WordBoundaries(t *testing.T) {
	g := NewGuard("beyond reasonable doubt")
	require.NoError(t, g.Check("guiltless creditable liabilities-free"))
	require.Error(t, g.Check("liability"))
	require.Error(t, g.Check("Beyond  reasonable\ndoubt"))
	require.Contains(t, g.Terms(), "beyond reasonable doubt")
	require.Contains(t, g.Terms(), "guilty")
}

func TestRender_Validation(t *testing.T) {
	r := NewRenderer(nil)
	in := sampleInput()
	in.Items = nil
	_, err := r.Render(in)
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	in = sampleInput()
	in.GeneratedAt = time.Time{}
	_, err = r.Render(in)
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRenderPDF(t *testing.T) {
	out, err := NewRenderer(nil).Render(sampleInput())
	require.NoError(t, err)
	pdf, err := RenderPDF(out, sampleInput().GeneratedAt)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
}
