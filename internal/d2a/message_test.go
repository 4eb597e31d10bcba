package d2a

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/sieve/internal/content"
)

type keypair struct{ sk, pk string }

func newKeypair(t *testing.T) keypair {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return keypair{sk: sk, pk: pk}
}

// sealed encrypts raw plaintext from a to b, bypassing message encoding.
func sealed(t *testing.T, a, b keypair, plaintext string) string {
	t.Helper()
	ct, err := Encrypt(plaintext, a.sk, b.pk)
	require.NoError(t, err)
	return ct
}

func TestParseRoundTrip(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	v := 0.8
	tests := []Payload{
		Offer{Topic: "rust", Score: 8.4, ContentPreview: "A deep dive into borrowck"},
		Accept{},
		Reject{},
		Deliver{
			Text:    "Déjà vu: 日本語のテキスト and émoji 🚀",
			Author:  "ルーシー",
			Verdict: content.VerdictQuality,
			Topics:  []string{"ai", "日本"},
			Scores:  &content.Scores{Originality: 8, Insight: 7.5, Credibility: 9, Composite: 8.2},
			VSignal: &v,
		},
	}
	for _, p := range tests {
		t.Run(string(p.Type()), func(t *testing.T) {
			msg := Message{FromPubkey: alice.pk, ToPubkey: bob.pk, Payload: p}
			ct, err := Encode(msg, alice.sk, bob.pk)
			require.NoError(t, err)

			got, err := Parse(ct, bob.sk, alice.pk)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, p.Type(), got.Type())
			if diff := cmp.Diff(msg, *got); diff != "" {
				t.Errorf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	hdr := `"fromPubkey":"` + alice.pk + `","toPubkey":"` + bob.pk + `"`

	tests := map[string]string{
		"non-json":               `hello there`,
		"json array":             `[1,2,3]`,
		"json null":              `null`,
		"json number":            `42`,
		"json string":            `"offer"`,
		"unknown type":           `{"type":"gossip",` + hdr + `,"payload":{}}`,
		"missing type":           `{` + hdr + `,"payload":{}}`,
		"missing from":           `{"type":"accept","toPubkey":"x","payload":{}}`,
		"offer missing topic":    `{"type":"offer",` + hdr + `,"payload":{"score":8,"contentPreview":"p"}}`,
		"offer score string":     `{"type":"offer",` + hdr + `,"payload":{"topic":"t","score":"8","contentPreview":"p"}}`,
		"offer preview number":   `{"type":"offer",` + hdr + `,"payload":{"topic":"t","score":8,"contentPreview":3}}`,
		"offer payload array":    `{"type":"offer",` + hdr + `,"payload":[]}`,
		"offer no payload":       `{"type":"offer",` + hdr + `}`,
		"deliver topics string":  `{"type":"deliver",` + hdr + `,"payload":{"text":"x","author":"a","verdict":"quality","topics":"ai"}}`,
		"deliver topics numbers": `{"type":"deliver",` + hdr + `,"payload":{"text":"x","author":"a","verdict":"quality","topics":[1]}}`,
		"deliver topics null":    `{"type":"deliver",` + hdr + `,"payload":{"text":"x","author":"a","verdict":"quality","topics":["ok",null]}}`,
		"deliver topics object":  `{"type":"deliver",` + hdr + `,"payload":{"text":"x","author":"a","verdict":"quality","topics":["ok",{}]}}`,
		"deliver missing text":   `{"type":"deliver",` + hdr + `,"payload":{"author":"a","verdict":"quality","topics":[]}}`,
		"deliver author number":  `{"type":"deliver",` + hdr + `,"payload":{"text":"x","author":1,"verdict":"quality","topics":[]}}`,
		"deliver bad vSignal":    `{"type":"deliver",` + hdr + `,"payload":{"text":"x","author":"a","verdict":"quality","topics":[],"vSignal":"hi"}}`,
	}
	for name, plaintext := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(sealed(t, alice, bob, plaintext), bob.sk, alice.pk)
			assert.Nil(t, got)
			assert.True(t, errors.Is(err, ErrInvalidMessage), "err = %v", err)
		})
	}
}

func TestEncodeUsesFreshSalt(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	msg := Message{FromPubkey: alice.pk, ToPubkey: bob.pk, Payload: Offer{Topic: "go", Score: 8, ContentPreview: "p"}}

	first, err := Encode(msg, alice.sk, bob.pk)
	require.NoError(t, err)
	second, err := Encode(msg, alice.sk, bob.pk)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "identical messages must not produce identical ciphertexts")

	for _, ct := range []string{first, second} {
		got, err := Parse(ct, bob.sk, alice.pk)
		require.NoError(t, err)
		assert.Equal(t, msg.Payload, got.Payload)
	}
}

func TestParseRejectsBadCiphertext(t *testing.T) {
	alice, bob, eve := newKeypair(t), newKeypair(t), newKeypair(t)
	valid, err := Encode(Message{FromPubkey: alice.pk, ToPubkey: bob.pk, Payload: Accept{}}, alice.sk, bob.pk)
	require.NoError(t, err)

	for name, ct := range map[string]string{
		"empty":     "",
		"plaintext": `{"type":"accept"}`,
		"garbage":   "!!!not-base64!!!",
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(ct, bob.sk, alice.pk)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		got, err := Parse(valid, eve.sk, alice.pk)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestAcceptPayloadNormalized(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	pt := `{"type":"reject","fromPubkey":"` + alice.pk + `","toPubkey":"` + bob.pk + `","payload":{"reason":"busy","n":[1,2]}}`
	got, err := Parse(sealed(t, alice, bob, pt), bob.sk, alice.pk)
	require.NoError(t, err)
	assert.Equal(t, Reject{}, got.Payload)

	data, err := got.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{}`)
}

func TestDeliverItemConversion(t *testing.T) {
	it := content.Item{
		Text:    "some text",
		Author:  "npub",
		Verdict: content.VerdictQuality,
		Topics:  []string{"go"},
		Scores:  content.Scores{Composite: 8.5},
	}
	d := DeliverFromItem(it)
	back := d.Item("peer", 42)
	assert.Equal(t, it.Text, back.Text)
	assert.Equal(t, 8.5, back.Composite())
	assert.Equal(t, "peer", back.ReceivedFrom)
	assert.Equal(t, content.Digest("some text"), back.ID)
}

type recordingPublisher struct {
	events []nostr.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev nostr.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func TestSenderSendOffer(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	pub := &recordingPublisher{}
	s, err := NewSender(alice.sk, pub)
	require.NoError(t, err)
	assert.Equal(t, alice.pk, s.Pubkey())

	hs, err := s.SendOffer(context.Background(), bob.pk, Offer{Topic: "go", Score: 8.1, ContentPreview: "gophers"})
	require.NoError(t, err)
	assert.Equal(t, PhaseOffered, hs.Phase)
	assert.Equal(t, bob.pk, hs.PeerID)
	assert.True(t, hs.Outbound)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, KindD2A, ev.Kind)
	assert.Equal(t, bob.pk, ev.Tags.GetFirst([]string{"p"}).Value())
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	msg, err := Parse(ev.Content, bob.sk, ev.PubKey)
	require.NoError(t, err)
	assert.Equal(t, Offer{Topic: "go", Score: 8.1, ContentPreview: "gophers"}, msg.Payload)
}

func TestSenderPublishError(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	s, err := NewSender(alice.sk, &recordingPublisher{err: errors.New("no relays")})
	require.NoError(t, err)

	hs, err := s.SendOffer(context.Background(), bob.pk, Offer{Topic: "go", Score: 8})
	assert.Nil(t, hs)
	assert.Error(t, err)
	assert.Error(t, s.SendAccept(context.Background(), bob.pk))
}
