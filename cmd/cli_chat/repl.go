package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"rv-designer/internal/domain"
	"rv-designer/internal/service"
)

func (a *app) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	ws, err := a.workspaces.Get(ctx, a.key)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	fmt.Fprintln(out, "===== RV Designer =====")
	if !a.keys.HasCredential() {
		fmt.Fprintln(out, "No API key configured. Set GEMINI_API_KEY to generate designs.")
	}
	printSession(out, ws.Active())

	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}

		quit, cmdErr := a.handle(ctx, ws, reader, out, line)
		if cmdErr != nil {
			fmt.Fprintf(out, "error: %v\n", cmdErr)
		}
		if quit || errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func (a *app) handle(ctx context.Context, ws *service.Workspace, reader *bufio.Reader, out io.Writer, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, a.submit(ctx, ws, out, service.TurnInput{Text: line})
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/sessions":
		listSessions(out, ws)
	case "/new":
		printSession(out, ws.CreateSession(ctx))
	case "/use":
		s, err := sessionAt(ws, arg)
		if err != nil {
			return false, err
		}
		if err := ws.SetActive(s.ID); err != nil {
			return false, err
		}
		printSession(out, s)
	case "/delete":
		s, err := sessionAt(ws, arg)
		if err != nil {
			return false, err
		}
		if err := ws.DeleteSession(ctx, s.ID); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Deleted %q.\n", s.Title)
		printSession(out, ws.Active())
	case "/attach":
		path, text, _ := strings.Cut(arg, " ")
		if path == "" {
			return false, errors.New("usage: /attach <path> [text]")
		}
		f, err := os.Open(path)
		if err != nil {
			return false, err
		}
		defer f.Close()
		return false, a.submit(ctx, ws, out, service.TurnInput{
			Text:  text,
			Files: []service.Upload{{Name: filepath.Base(path), Reader: f}},
		})
	case "/suggest":
		return false, a.suggest(ctx, ws, out, arg)
	case "/matrix":
		return false, a.matrix(ctx, ws, reader, out)
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func (a *app) submit(ctx context.Context, ws *service.Workspace, out io.Writer, in service.TurnInput) error {
	fmt.Fprintln(out, "Designing...")
	msg, err := a.turns.Submit(ctx, a.key, ws.Active().ID, in)
	if err != nil {
		return err
	}
	a.printModel(ctx, out, msg)
	return nil
}

func (a *app) suggest(ctx context.Context, ws *service.Workspace, out io.Writer, arg string) error {
	last := ws.Active().LastModelMessage()
	if last == nil || len(last.Suggestions) == 0 {
		return errors.New("no suggestions available")
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(last.Suggestions) {
		return fmt.Errorf("choose a suggestion between 1 and %d", len(last.Suggestions))
	}

	msg, applied, err := a.turns.ApplySuggestion(ctx, a.key, ws.Active().ID, last.Suggestions[n-1])
	if err != nil {
		return err
	}
	if !applied {
		fmt.Fprintln(out, "There is no design to apply the suggestion to.")
		return nil
	}
	a.printModel(ctx, out, msg)
	return nil
}

// matrix abre la matriz y procesa sus subcomandos hasta generar o cancelar.
func (a *app) matrix(ctx context.Context, ws *service.Workspace, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Analyzing the design...")
	m, err := a.matrices.Open(ctx, a.key, ws.Active().ID)
	if err != nil {
		return err
	}
	defer a.matrices.Close(a.key, m.ID)

	for {
		printMatrix(out, m)
		fmt.Fprint(out, "matrix> ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		line = strings.TrimSpace(line)
		if errors.Is(err, io.EOF) && line == "" {
			return nil
		}

		cmd, rest, _ := strings.Cut(line, " ")
		var (
			next  service.Matrix
			opErr error
		)
		switch cmd {
		case "q", "cancel":
			return nil
		case "g", "generate":
			msg, err := a.matrices.Generate(ctx, a.key, m.ID)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			a.printModel(ctx, out, msg)
			return nil
		case "t":
			// t <categoria> <opcion>
			category, option, _ := strings.Cut(strings.TrimSpace(rest), " ")
			key, value, err := optionAt(m, category, option)
			if err != nil {
				opErr = err
				break
			}
			next, opErr = a.matrices.Toggle(a.key, m.ID, key, value)
		case "x":
			// x <categoria> <texto libre>
			category, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
			next, opErr = a.matrices.SetFreeText(a.key, m.ID, categoryKey(category), text)
		case "c":
			next, opErr = a.matrices.DefineCustom(ctx, a.key, m.ID, rest)
		default:
			opErr = errors.New("commands: t <cat> <opt>, x <cat> <text>, c <name>, g, q")
		}
		if opErr != nil {
			fmt.Fprintf(out, "error: %v\n", opErr)
			continue
		}
		m = next
	}
}

func (a *app) printModel(ctx context.Context, out io.Writer, msg domain.Message) {
	if msg.IsError {
		fmt.Fprintf(out, "! %s\n", msg.Text)
		return
	}
	fmt.Fprintf(out, "Designer: %s\n", msg.Text)

	view := a.resolver.NewView()
	for _, img := range msg.Images {
		view.Set(ctx, &img)
		ref, err := view.Wait(ctx)
		if err != nil || ref == nil || !ref.HasData() {
			fmt.Fprintf(out, "  [image %s unavailable]\n", img.ID)
			continue
		}
		fmt.Fprintf(out, "  [image %s, %s, %d bytes base64]\n", ref.ID, ref.MimeType, len(ref.Data))
	}
	for i, s := range msg.Suggestions {
		fmt.Fprintf(out, "  %d) %s\n", i+1, s)
	}
	if len(msg.Suggestions) > 0 {
		a.logger.Debug("suggestions shown", zap.Int("count", len(msg.Suggestions)))
	}
}

func printSession(out io.Writer, s domain.ChatSession) {
	fmt.Fprintf(out, "Session: %s (%d messages)\n", s.Title, len(s.Messages))
	for _, m := range s.Messages {
		who := "You"
		if m.Role == domain.RoleModel {
			who = "Designer"
		}
		text := m.Text
		if text == "" && len(m.Images) > 0 {
			text = "[image]"
		}
		fmt.Fprintf(out, "  %s: %s\n", who, text)
	}
}

func listSessions(out io.Writer, ws *service.Workspace) {
	activeID := ws.Active().ID
	for i, s := range ws.Sessions() {
		marker := " "
		if s.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d) %s\n", marker, i+1, s.Title)
	}
}

func sessionAt(ws *service.Workspace, arg string) (domain.ChatSession, error) {
	sessions := ws.Sessions()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(sessions) {
		return domain.ChatSession{}, fmt.Errorf("choose a session between 1 and %d", len(sessions))
	}
	return sessions[n-1], nil
}

func printMatrix(out io.Writer, m service.Matrix) {
	fmt.Fprintln(out, "--- Design matrix ---")
	for i, c := range m.Categories {
		key := strconv.Itoa(i)
		fmt.Fprintf(out, "%d. %s", i+1, c.Name)
		if sel := m.Selections[key]; sel != "" {
			fmt.Fprintf(out, " => %s", sel)
		}
		fmt.Fprintln(out)
		for j, o := range c.Options {
			fmt.Fprintf(out, "   %d) %s\n", j+1, o)
		}
	}
	if m.Custom != nil {
		fmt.Fprintf(out, "%s. %s", domain.CustomCategoryKey, m.Custom.Name)
		if sel := m.Selections[domain.CustomCategoryKey]; sel != "" {
			fmt.Fprintf(out, " => %s", sel)
		}
		fmt.Fprintln(out)
		if m.Custom.Error != "" {
			fmt.Fprintf(out, "   %s\n", m.Custom.Error)
		}
		for j, o := range m.Custom.Options {
			fmt.Fprintf(out, "   %d) %s\n", j+1, o)
		}
	}
}

// categoryKey traduce el numero visible (1..n) a la clave de seleccion.
func categoryKey(arg string) string {
	if arg == domain.CustomCategoryKey {
		return arg
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	return strconv.Itoa(n - 1)
}

func optionAt(m service.Matrix, category, option string) (string, string, error) {
	key := categoryKey(category)
	var options []string
	if key == domain.CustomCategoryKey {
		if m.Custom == nil {
			return "", "", service.ErrUnknownCategory
		}
		options = m.Custom.Options
	} else {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(m.Categories) {
			return "", "", service.ErrUnknownCategory
		}
		options = m.Categories[idx].Options
	}
	n, err := strconv.Atoi(option)
	if err != nil || n < 1 || n > len(options) {
		return "", "", fmt.Errorf("choose an option between 1 and %d", len(options))
	}
	return key, options[n-1], nil
}
