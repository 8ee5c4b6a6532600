package docs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"taxdocs/pkg/render"
	"taxdocs/services/records"
)

// Shell is a line-oriented frontend for an App. It redraws the current screen
// whenever the App reports a change.
type Shell struct {
	app *App
	in  *bufio.Scanner
	log zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	// readPassword reads a password without echo when the input is a terminal.
	readPassword func() (string, error)
	readFile     func(string) ([]byte, error)

	pending sync.WaitGroup
}

// NewShell returns a Shell reading commands from in and drawing to out.
func NewShell(app *App, in io.Reader, out io.Writer, logger zerolog.Logger) *Shell {
	s := &Shell{
		app:      app,
		in:       bufio.NewScanner(in),
		out:      out,
		log:      logger.With().Str("component", "shell").Logger(),
		readFile: os.ReadFile,
	}
	s.readPassword = s.readLine

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		s.readPassword = func() (string, error) {
			b, err := term.ReadPassword(fd)
			s.println()
			return string(b), err
		}
	}
	return s
}

func (s *Shell) readLine() (string, error) {
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.in.Text(), nil
}

func (s *Shell) println(a ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, a...)
}

func (s *Shell) draw() {
	screen, err := s.app.Render()
	if err != nil {
		s.log.Error().Err(err).Msg("render")
		return
	}
	s.println(screen)
}

// Run reads commands until EOF, quit or ctx ends, then waits for pending uploads and deletes.
func (s *Shell) Run(ctx context.Context) error {
	stop := s.app.OnChange(s.draw)
	defer stop()
	defer s.pending.Wait()

	s.draw()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := s.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if quit := s.dispatch(ctx, fields[0], fields[1:], line); quit {
			s.println("Bye!")
			return nil
		}
	}
}

func (s *Shell) dispatch(ctx context.Context, cmd string, args []string, line string) bool {
	status := s.app.Status()

	switch cmd {
	case "help":
		s.help(status)
		return false
	case "quit", "exit":
		return true
	}

	switch status {
	case StatusLoading:
		s.println("Still loading, try again in a moment.")
	case StatusUnauthenticated:
		s.signInCommand(ctx, cmd, args, line)
	case StatusAuthenticated:
		s.documentsCommand(ctx, cmd, args)
	}
	return false
}

func (s *Shell) signInCommand(ctx context.Context, cmd string, args []string, line string) {
	form := s.app.Form()
	switch cmd {
	case "email":
		if len(args) != 1 {
			s.println("usage: email <address>")
			return
		}
		form.SetEmail(args[0])
	case "password":
		if len(args) > 0 {
			form.SetPassword(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "password")))
			return
		}
		s.println("Password:")
		pw, err := s.readPassword()
		if err != nil {
			s.println("could not read password:", err)
			return
		}
		form.SetPassword(pw)
	case "mode":
		form.ToggleMode()
	case "submit":
		_ = form.Submit(ctx)
	default:
		s.println("Unknown command:", cmd)
	}
}

func (s *Shell) documentsCommand(ctx context.Context, cmd string, args []string) {
	view := s.app.View()
	switch cmd {
	case "upload":
		if len(args) != 1 {
			s.println("usage: upload <file>")
			return
		}
		f, err := s.loadFile(args[0])
		if err != nil {
			s.println("could not read file:", err)
			return
		}
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			_ = view.Upload(context.WithoutCancel(ctx), f)
		}()
	case "open":
		doc, ok := s.pick(view, args)
		if !ok {
			return
		}
		s.println(doc.URL)
	case "delete":
		doc, ok := s.pick(view, args)
		if !ok {
			return
		}
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			_ = view.Delete(context.WithoutCancel(ctx), doc)
		}()
	case "summary":
		s.summary(Summarize(view.Documents()))
	case "steps":
		for _, st := range view.Steps() {
			s.println(fmt.Sprintf("%s  %-16s %s  %s", render.FormatDate(st.At.Local(), "HH:mm:ss"), st.Phase, st.File, st.Detail))
		}
	case "signout":
		_ = view.SignOut(ctx)
	default:
		s.println("Unknown command:", cmd)
	}
}

func (s *Shell) pick(view *ListView, args []string) (records.Document, bool) {
	if len(args) != 1 {
		s.println("usage: <command> <n>")
		return records.Document{}, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		s.println("not a number:", args[0])
		return records.Document{}, false
	}
	doc, err := view.Document(n)
	if err != nil {
		s.println(err)
		return records.Document{}, false
	}
	return doc, true
}

func (s *Shell) loadFile(path string) (*File, error) {
	data, err := s.readFile(path)
	if err != nil {
		return nil, err
	}
	return &File{Name: filepath.Base(path), Type: DetectType(path, data), Data: data}, nil
}

// DetectType guesses a MIME type from the file extension, then from the content.
func DetectType(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func (s *Shell) summary(sum Summary) {
	s.println("Total documents:", sum.TotalDocuments)
	if sum.LastUpdated != nil {
		s.println("Last updated:", render.FormatDate(sum.LastUpdated.Local(), render.DefaultDatePattern))
	}
	types := make([]string, 0, len(sum.DocumentTypes))
	for t := range sum.DocumentTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		s.println(fmt.Sprintf("  %s: %d", t, sum.DocumentTypes[t]))
	}
}

func (s *Shell) help(status GateStatus) {
	switch status {
	case StatusAuthenticated:
		s.println("Commands: upload <file>, open <n>, delete <n>, summary, steps, signout, help, quit")
	default:
		s.println("Commands: email <address>, password [value], mode, submit, help, quit")
	}
}
