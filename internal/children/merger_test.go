package children

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgrove/milterchild/internal/header"
	"github.com/wgrove/milterchild/milter"
)

type recordedCall struct {
	method string
	args   []string
}

type fakeModifier struct {
	calls        []recordedCall
	bodyChunks   [][]byte
	addRcptErr   error
	changeFromFn func(value, esmtpArgs string) error
}

func (f *fakeModifier) Get(name milter.MacroName) string                { return "" }
func (f *fakeModifier) GetEx(name milter.MacroName) (string, bool)      { return "", false }
func (f *fakeModifier) Version() uint32                                 { return milter.MaxClientProtocolVersion }
func (f *fakeModifier) Protocol() milter.OptProtocol                    { return 0 }
func (f *fakeModifier) Actions() milter.OptAction                       { return 0 }
func (f *fakeModifier) MaxDataSize() milter.DataSize                    { return milter.DataSize64K }
func (f *fakeModifier) MilterId() uint64                                { return 1 }
func (f *fakeModifier) Progress() error                                 { return nil }

func (f *fakeModifier) AddRecipient(r string, esmtpArgs string) error {
	f.calls = append(f.calls, recordedCall{"AddRecipient", []string{r, esmtpArgs}})
	return f.addRcptErr
}

func (f *fakeModifier) DeleteRecipient(r string) error {
	f.calls = append(f.calls, recordedCall{"DeleteRecipient", []string{r}})
	return nil
}

func (f *fakeModifier) ReplaceBodyRawChunk(chunk []byte) error {
	cp := append([]byte(nil), chunk...)
	f.bodyChunks = append(f.bodyChunks, cp)
	f.calls = append(f.calls, recordedCall{"ReplaceBodyRawChunk", nil})
	return nil
}

func (f *fakeModifier) ReplaceBody(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return f.ReplaceBodyRawChunk(data)
}

func (f *fakeModifier) Quarantine(reason string) error {
	f.calls = append(f.calls, recordedCall{"Quarantine", []string{reason}})
	return nil
}

func (f *fakeModifier) AddHeader(name, value string) error {
	f.calls = append(f.calls, recordedCall{"AddHeader", []string{name, value}})
	return nil
}

func (f *fakeModifier) ChangeHeader(index int, name, value string) error {
	f.calls = append(f.calls, recordedCall{"ChangeHeader", []string{name, value}})
	return nil
}

func (f *fakeModifier) InsertHeader(index int, name, value string) error {
	f.calls = append(f.calls, recordedCall{"InsertHeader", []string{name, value}})
	return nil
}

func (f *fakeModifier) ChangeFrom(value string, esmtpArgs string) error {
	f.calls = append(f.calls, recordedCall{"ChangeFrom", []string{value, esmtpArgs}})
	if f.changeFromFn != nil {
		return f.changeFromFn(value, esmtpArgs)
	}
	return nil
}

var _ milter.Modifier = (*fakeModifier)(nil)

func TestMergerAppliesEachActionType(t *testing.T) {
	spool, err := NewBodySpool()
	require.NoError(t, err)
	defer spool.Close()

	h := &header.Header{}
	h.Add("Subject", "old")
	m := NewMerger(spool, h)
	fm := &fakeModifier{}

	mods := []milter.ModifyAction{
		{Type: milter.ActionAddRcpt, Rcpt: "<a@example.com>"},
		{Type: milter.ActionDelRcpt, Rcpt: "<b@example.com>"},
		{Type: milter.ActionChangeFrom, From: "<c@example.com>"},
		{Type: milter.ActionQuarantine, Reason: "spam"},
		{Type: milter.ActionAddHeader, HeaderName: "X-Test", HeaderValue: "1"},
		{Type: milter.ActionChangeHeader, HeaderIndex: 1, HeaderName: "Subject", HeaderValue: "new"},
		{Type: milter.ActionInsertHeader, HeaderIndex: 0, HeaderName: "X-First", HeaderValue: "yes"},
	}
	require.NoError(t, m.Apply(fm, mods))
	require.Len(t, fm.calls, len(mods))
	assert.Equal(t, "AddRecipient", fm.calls[0].method)
	assert.Equal(t, "DeleteRecipient", fm.calls[1].method)
	assert.Equal(t, "ChangeFrom", fm.calls[2].method)
	assert.Equal(t, "Quarantine", fm.calls[3].method)
	assert.Equal(t, "AddHeader", fm.calls[4].method)
	assert.Equal(t, "ChangeHeader", fm.calls[5].method)
	assert.Equal(t, "InsertHeader", fm.calls[6].method)
	assert.False(t, m.Replaced())

	assert.Equal(t, "new", h.Value("Subject"), "ChangeHeader is mirrored into the shared accumulator")
	assert.Equal(t, "1", h.Value("X-Test"), "AddHeader is mirrored into the shared accumulator")
	assert.Equal(t, "yes", h.Value("X-First"), "InsertHeader is mirrored into the shared accumulator")
}

func TestMergerAppliesWithoutAccumulator(t *testing.T) {
	spool, err := NewBodySpool()
	require.NoError(t, err)
	defer spool.Close()

	m := NewMerger(spool, nil)
	fm := &fakeModifier{}
	require.NoError(t, m.Apply(fm, []milter.ModifyAction{
		{Type: milter.ActionChangeHeader, HeaderIndex: 1, HeaderName: "Subject", HeaderValue: "new"},
	}))
	assert.Equal(t, "ChangeHeader", fm.calls[0].method)
}

func TestMergerReplaceBodyTruncatesOnlyOnce(t *testing.T) {
	spool, err := NewBodySpool()
	require.NoError(t, err)
	defer spool.Close()
	require.NoError(t, spool.Append([]byte("original message body")))

	m := NewMerger(spool, nil)
	fm := &fakeModifier{}

	require.NoError(t, m.Apply(fm, []milter.ModifyAction{
		{Type: milter.ActionReplaceBody, Body: []byte("new ")},
	}))
	assert.True(t, m.Replaced())

	// A second backend's ReplaceBody appends rather than truncating again.
	require.NoError(t, m.Apply(fm, []milter.ModifyAction{
		{Type: milter.ActionReplaceBody, Body: []byte("body")},
	}))

	require.NoError(t, m.Flush(fm))
	require.Len(t, fm.bodyChunks, 1)
	assert.Equal(t, "new body", string(fm.bodyChunks[0]))
}

func TestMergerFlushNoopWhenBodyNeverReplaced(t *testing.T) {
	spool, err := NewBodySpool()
	require.NoError(t, err)
	defer spool.Close()

	m := NewMerger(spool, nil)
	fm := &fakeModifier{}
	require.NoError(t, m.Flush(fm))
	assert.Empty(t, fm.bodyChunks)
}

func TestMergerUnknownActionTypeErrors(t *testing.T) {
	spool, err := NewBodySpool()
	require.NoError(t, err)
	defer spool.Close()

	m := NewMerger(spool, nil)
	fm := &fakeModifier{}
	err = m.Apply(fm, []milter.ModifyAction{{Type: milter.ModifyActionType(255)}})
	assert.Error(t, err)
}
