package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/pocketbudget/budget-cli/api"
)

// Displayer abstracts all progress output of a command. It also receives
// the pipeline's refresh events.
type Displayer interface {
	api.Observer

	Banner(server string)
	CredentialsFound(profile string)
	CredentialsNotFound()
	LoggingIn()
	LoginOK(user string)
	Loading(kind string, page int)
	PageLoaded(kind string, page, count, total int, hasMore bool)
	NeedsInitialSetup()
	SessionExpired(err error)
	LoggedOut()
	Done(summary string, elapsed time.Duration)
	Fatal(err error)
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

func (p *PlainDisplayer) Banner(server string) {
	fmt.Fprintf(p.w, "=== Budget CLI (%s) ===\n", server)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) CredentialsFound(profile string) {
	fmt.Fprintf(p.w, "Found stored session for profile %q\n", profile)
}

func (p *PlainDisplayer) CredentialsNotFound() {
	fmt.Fprintln(p.w, "No stored session, run `budget-cli login` first")
}

func (p *PlainDisplayer) LoggingIn() {
	fmt.Fprintln(p.w, "Exchanging identity token...")
}

func (p *PlainDisplayer) LoginOK(user string) {
	if user != "" {
		fmt.Fprintf(p.w, "Logged in as %s\n", user)
		return
	}
	fmt.Fprintln(p.w, "Logged in")
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected, refreshing...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying request...")
}

func (p *PlainDisplayer) Loading(kind string, page int) {
	fmt.Fprintf(p.w, "Loading %s page %d...\n", kind, page)
}

func (p *PlainDisplayer) PageLoaded(kind string, page, count, total int, hasMore bool) {
	more := ""
	if hasMore {
		more = ", more available"
	}
	fmt.Fprintf(p.w, "Loaded %s page %d: %d of %d%s\n", kind, page, count, total, more)
}

func (p *PlainDisplayer) NeedsInitialSetup() {
	fmt.Fprintln(p.w, "No budgets yet. Create one to finish setting up your account.")
}

func (p *PlainDisplayer) SessionExpired(err error) {
	fmt.Fprintf(p.w, "Session expired, please log in again (%s)\n", api.UserMessage(err))
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out")
}

func (p *PlainDisplayer) Done(summary string, elapsed time.Duration) {
	fmt.Fprintf(p.w, "%s (%s)\n", summary, formatDuration(elapsed))
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %s\n", api.UserMessage(err))
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                          {}
func (NoopDisplayer) CredentialsFound(_ string)                {}
func (NoopDisplayer) CredentialsNotFound()                     {}
func (NoopDisplayer) LoggingIn()                               {}
func (NoopDisplayer) LoginOK(_ string)                         {}
func (NoopDisplayer) AccessTokenRejected()                     {}
func (NoopDisplayer) Refreshing()                              {}
func (NoopDisplayer) RefreshOK()                               {}
func (NoopDisplayer) RefreshFailed(_ error)                    {}
func (NoopDisplayer) TokenRefreshedRetrying()                  {}
func (NoopDisplayer) Loading(_ string, _ int)                  {}
func (NoopDisplayer) PageLoaded(_ string, _, _, _ int, _ bool) {}
func (NoopDisplayer) NeedsInitialSetup()                       {}
func (NoopDisplayer) SessionExpired(_ error)                   {}
func (NoopDisplayer) LoggedOut()                               {}
func (NoopDisplayer) Done(_ string, _ time.Duration)           {}
func (NoopDisplayer) Fatal(_ error)                            {}

// sender is the part of tea.Program a ProgramDisplayer needs.
type sender interface {
	Send(msg tea.Msg)
}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p sender
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(server string)            { t.p.Send(MsgBanner{Server: server}) }
func (t *ProgramDisplayer) CredentialsFound(profile string) { t.p.Send(MsgCredentialsFound{Profile: profile}) }
func (t *ProgramDisplayer) CredentialsNotFound()            { t.p.Send(MsgCredentialsNotFound{}) }
func (t *ProgramDisplayer) LoggingIn()                      { t.p.Send(MsgLoggingIn{}) }
func (t *ProgramDisplayer) LoginOK(user string)             { t.p.Send(MsgLoginOK{User: user}) }
func (t *ProgramDisplayer) AccessTokenRejected()            { t.p.Send(MsgAccessTokenRejected{}) }
func (t *ProgramDisplayer) Refreshing()                     { t.p.Send(MsgRefreshing{}) }
func (t *ProgramDisplayer) RefreshOK()                      { t.p.Send(MsgRefreshOK{}) }
func (t *ProgramDisplayer) RefreshFailed(err error)         { t.p.Send(MsgRefreshFailed{Err: err}) }
func (t *ProgramDisplayer) TokenRefreshedRetrying()         { t.p.Send(MsgTokenRefreshedRetrying{}) }
func (t *ProgramDisplayer) NeedsInitialSetup()              { t.p.Send(MsgNeedsInitialSetup{}) }
func (t *ProgramDisplayer) SessionExpired(err error)        { t.p.Send(MsgSessionExpired{Err: err}) }
func (t *ProgramDisplayer) LoggedOut()                      { t.p.Send(MsgLoggedOut{}) }
func (t *ProgramDisplayer) Fatal(err error)                 { t.p.Send(MsgFatal{Err: err}) }

func (t *ProgramDisplayer) Loading(kind string, page int) {
	t.p.Send(MsgLoading{Kind: kind, Page: page})
}

func (t *ProgramDisplayer) PageLoaded(kind string, page, count, total int, hasMore bool) {
	t.p.Send(MsgPageLoaded{Kind: kind, Page: page, Count: count, Total: total, HasMore: hasMore})
}

func (t *ProgramDisplayer) Done(summary string, elapsed time.Duration) {
	t.p.Send(MsgDone{Summary: summary, Elapsed: elapsed})
}
