package tui

import (
	"encoding/json"
	"fmt"
	"io"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/scan-cli/scanapi"
)

// Displayer abstracts all output of a CLI command.
type Displayer interface {
	Banner(command string)
	SessionRestored(user string)
	NotAuthenticated()
	Working(text string)
	AccessTokenRejected(method, path string)
	Refreshing()
	RefreshOK()
	SessionExpired()
	StorageFailed(err error)
	LoggedIn(profile map[string]any)
	Registered(message string)
	LoggedOut()
	Profile(profile map[string]any)
	PasswordChanged(message string)
	Documents(docs []scanapi.Document)
	Document(doc *scanapi.Document)
	DocumentDeleted(id int)
	Detection(filename string, result json.RawMessage)
	Stats(stats *scanapi.Stats)
	Fatal(text string)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(command string) {
	fmt.Fprintf(p.w, "=== Scanner CLI: %s ===\n", command)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionRestored(user string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", user)
}

func (p *PlainDisplayer) NotAuthenticated() {
	fmt.Fprintln(p.w, "Not signed in.")
}

func (p *PlainDisplayer) Working(text string) {
	fmt.Fprintln(p.w, text)
}

func (p *PlainDisplayer) AccessTokenRejected(method, path string) {
	fmt.Fprintf(p.w, "Access token rejected (401) for %s %s\n", method, path)
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed, retrying request...")
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, "Session expired. Sign in again with: login")
}

func (p *PlainDisplayer) StorageFailed(err error) {
	fmt.Fprintf(p.w, "Warning: failed to save credentials: %v\n", err)
}

func (p *PlainDisplayer) LoggedIn(profile map[string]any) {
	p.result("Signed in as "+DisplayName(profile), profileLines(profile))
}

func (p *PlainDisplayer) Registered(message string) {
	p.result(message, nil)
}

func (p *PlainDisplayer) LoggedOut() {
	p.result("Signed out", nil)
}

func (p *PlainDisplayer) Profile(profile map[string]any) {
	p.result("Profile", profileLines(profile))
}

func (p *PlainDisplayer) PasswordChanged(message string) {
	p.result(message, nil)
}

func (p *PlainDisplayer) Documents(docs []scanapi.Document) {
	p.result(fmt.Sprintf("Documents (%d)", len(docs)), documentLines(docs))
}

func (p *PlainDisplayer) Document(doc *scanapi.Document) {
	p.result("Document", []string{documentLine(*doc)})
}

func (p *PlainDisplayer) DocumentDeleted(id int) {
	p.result(fmt.Sprintf("Deleted document #%d", id), nil)
}

func (p *PlainDisplayer) Detection(filename string, result json.RawMessage) {
	p.result("Detection result for "+filename, detectionLines(result))
}

func (p *PlainDisplayer) Stats(stats *scanapi.Stats) {
	p.result("Usage", statsLines(stats))
}

func (p *PlainDisplayer) Fatal(text string) {
	fmt.Fprintf(p.w, "Error: %s\n", text)
}

func (p *PlainDisplayer) result(title string, lines []string) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, title)
	for _, line := range lines {
		fmt.Fprintln(p.w, "  "+line)
	}
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                       {}
func (NoopDisplayer) SessionRestored(_ string)              {}
func (NoopDisplayer) NotAuthenticated()                     {}
func (NoopDisplayer) Working(_ string)                      {}
func (NoopDisplayer) AccessTokenRejected(_, _ string)       {}
func (NoopDisplayer) Refreshing()                           {}
func (NoopDisplayer) RefreshOK()                            {}
func (NoopDisplayer) SessionExpired()                       {}
func (NoopDisplayer) StorageFailed(_ error)                 {}
func (NoopDisplayer) LoggedIn(_ map[string]any)             {}
func (NoopDisplayer) Registered(_ string)                   {}
func (NoopDisplayer) LoggedOut()                            {}
func (NoopDisplayer) Profile(_ map[string]any)              {}
func (NoopDisplayer) PasswordChanged(_ string)              {}
func (NoopDisplayer) Documents(_ []scanapi.Document)        {}
func (NoopDisplayer) Document(_ *scanapi.Document)          {}
func (NoopDisplayer) DocumentDeleted(_ int)                 {}
func (NoopDisplayer) Detection(_ string, _ json.RawMessage) {}
func (NoopDisplayer) Stats(_ *scanapi.Stats)                {}
func (NoopDisplayer) Fatal(_ string)                        {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(command string) {
	t.p.Send(MsgBanner{Command: command})
}

func (t *ProgramDisplayer) SessionRestored(user string) {
	t.p.Send(MsgSessionRestored{User: user})
}

func (t *ProgramDisplayer) NotAuthenticated() {
	t.p.Send(MsgNotAuthenticated{})
}

func (t *ProgramDisplayer) Working(text string) {
	t.p.Send(MsgWorking{Text: text})
}

func (t *ProgramDisplayer) AccessTokenRejected(method, path string) {
	t.p.Send(MsgAccessTokenRejected{Method: method, Path: path})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) StorageFailed(err error) {
	t.p.Send(MsgStorageFailed{Err: err})
}

func (t *ProgramDisplayer) LoggedIn(profile map[string]any) {
	t.result("Signed in as "+DisplayName(profile), profileLines(profile))
}

func (t *ProgramDisplayer) Registered(message string) {
	t.result(message, nil)
}

func (t *ProgramDisplayer) LoggedOut() {
	t.result("Signed out", nil)
}

func (t *ProgramDisplayer) Profile(profile map[string]any) {
	t.result("Profile", profileLines(profile))
}

func (t *ProgramDisplayer) PasswordChanged(message string) {
	t.result(message, nil)
}

func (t *ProgramDisplayer) Documents(docs []scanapi.Document) {
	t.result(fmt.Sprintf("Documents (%d)", len(docs)), documentLines(docs))
}

func (t *ProgramDisplayer) Document(doc *scanapi.Document) {
	t.result("Document", []string{documentLine(*doc)})
}

func (t *ProgramDisplayer) DocumentDeleted(id int) {
	t.result(fmt.Sprintf("Deleted document #%d", id), nil)
}

func (t *ProgramDisplayer) Detection(filename string, result json.RawMessage) {
	t.result("Detection result for "+filename, detectionLines(result))
}

func (t *ProgramDisplayer) Stats(stats *scanapi.Stats) {
	t.result("Usage", statsLines(stats))
}

func (t *ProgramDisplayer) Fatal(text string) {
	t.p.Send(MsgFatal{Text: text})
}

func (t *ProgramDisplayer) result(title string, lines []string) {
	t.p.Send(MsgResult{Title: title, Lines: lines})
}
