package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"carbonlog/audio"
	"carbonlog/auth"
	"carbonlog/config"
	"carbonlog/doctor"
	"carbonlog/estimator"
	"carbonlog/log"
	"carbonlog/present"
	"carbonlog/session"
	"carbonlog/transport"
)

var (
	errNotLoggedIn    = errors.New("not logged in; run carbonlog login")
	errSessionExpired = errors.New("session expired; run carbonlog login")
)

type command func(args []string) int

var commands = map[string]command{
	"login":    func(args []string) int { return authCommand("login", args, false) },
	"register": func(args []string) int { return authCommand("register", args, true) },
	"logout":   cmdLogout,
	"history":  cmdHistory,
	"suggest":  cmdSuggest,
	"devices":  cmdDevices,
	"doctor":   cmdDoctor,
}

var commandNames = []string{"login", "register", "logout", "history", "suggest", "devices", "doctor"}

var commandHelp = map[string]string{
	"login":    "log in and remember the session",
	"register": "create an account and log in",
	"logout":   "forget the saved session",
	"history":  "list logged activities, newest first",
	"suggest":  "propose a new emission factor",
	"devices":  "list microphones",
	"doctor":   "check microphone, clipboard and services",
}

var stdin = bufio.NewReader(os.Stdin)

// parseCommand parses a subcommand's flags and loads the config. Logging is
// initialized on success; the caller closes it.
func parseCommand(fs *flag.FlagSet, g *globalFlags, args []string) (*config.Config, bool) {
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg, err := g.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, false
	}
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	return cfg, true
}

func fail(err error) int {
	log.Errorf("%v", err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func promptLine(label, def string) (string, error) {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	if line = strings.TrimSpace(line); line == "" {
		return def, nil
	}
	return line, nil
}

func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(label, "")
	}
	fmt.Printf("%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	return string(b), err
}

func authCommand(name string, args []string, register bool) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	g := registerGlobalFlags(fs)
	user := fs.String("user", "", "username")
	cfg, ok := parseCommand(fs, g, args)
	if !ok {
		return 2
	}
	defer log.Close()

	store, sess, err := openStore()
	if err != nil {
		return fail(err)
	}

	username := *user
	if username == "" {
		if username, err = promptLine("Username", sess.Username()); err != nil {
			return fail(err)
		}
	}
	password, err := promptPassword("Password")
	if err != nil {
		return fail(err)
	}
	if register {
		again, err := promptPassword("Repeat password")
		if err != nil {
			return fail(err)
		}
		if again != password {
			return fail(errors.New("passwords do not match"))
		}
	}

	client := auth.New(transport.NewTracedClient(cfg.RequestTimeout), cfg.AuthURL)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	var fresh *session.Session
	if register {
		fresh, err = client.Register(ctx, username, password)
	} else {
		fresh, err = client.Login(ctx, username, password)
	}
	if err != nil {
		return fail(err)
	}
	creds, _ := fresh.Credentials()
	sess.Set(creds.Username, creds.Token)
	if err := store.Save(sess); err != nil {
		return fail(fmt.Errorf("saving session: %w", err))
	}
	log.Info(name + ": " + creds.Username)
	fmt.Printf("Logged in as %s\n", creds.Username)
	return 0
}

func cmdLogout(args []string) int {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	g := registerGlobalFlags(fs)
	if _, ok := parseCommand(fs, g, args); !ok {
		return 2
	}
	defer log.Close()

	store, sess, err := openStore()
	if err != nil {
		return fail(err)
	}
	username := sess.Username()
	sess.Clear()
	if err := store.Delete(); err != nil {
		return fail(err)
	}
	if username == "" {
		fmt.Println("Not logged in")
		return 0
	}
	log.Info("logout: " + username)
	fmt.Printf("Logged out %s\n", username)
	return 0
}

// requireSession returns the saved session and its credentials. A token that
// has already expired is destroyed before any request goes out.
func requireSession() (*session.Session, session.Credentials, error) {
	_, sess, err := openStore()
	if err != nil {
		return nil, session.Credentials{}, err
	}
	creds, ok := sess.Credentials()
	if !ok {
		return sess, creds, errNotLoggedIn
	}
	if sess.Expired(time.Now()) {
		expireSession(sess, creds.Username)
		return sess, creds, errSessionExpired
	}
	return sess, creds, nil
}

// expireSession clears the token; the store rewrites session.json keeping
// only the username.
func expireSession(sess *session.Session, username string) {
	if sess.Clear() {
		log.AuthExpired(username)
	}
}

// authorized runs call with the saved credentials. An authorization failure
// from the service destroys the session like a local expiry does.
func authorized(call func(session.Credentials) (estimator.Outcome, error)) (*estimator.Result, error) {
	sess, creds, err := requireSession()
	if err != nil {
		return nil, err
	}
	res, err := accepted(call(creds))
	if errors.Is(err, errSessionExpired) {
		expireSession(sess, creds.Username)
	}
	return res, err
}

// accepted unwraps an estimator outcome for the one-shot commands.
func accepted(out estimator.Outcome, err error) (*estimator.Result, error) {
	if err != nil {
		return nil, err
	}
	switch o := out.(type) {
	case estimator.Accepted:
		return &o.Result, nil
	case estimator.Unauthorized:
		return nil, errSessionExpired
	case estimator.Rejected:
		return nil, o
	case estimator.Malformed:
		return nil, fmt.Errorf("malformed response: %w", o.Err)
	}
	return nil, fmt.Errorf("unexpected outcome %T", out)
}

func cmdHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	g := registerGlobalFlags(fs)
	limit := fs.Int("n", 20, "show at most this many activities (0 for all)")
	cfg, ok := parseCommand(fs, g, args)
	if !ok {
		return 2
	}
	defer log.Close()

	est := estimator.New(transport.NewTracedClient(cfg.RequestTimeout), cfg.APIURL)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	res, err := authorized(func(creds session.Credentials) (estimator.Outcome, error) {
		return est.History(ctx, creds)
	})
	if err != nil {
		return fail(err)
	}
	renderHistory(os.Stdout, res, *limit)
	return 0
}

func renderHistory(w io.Writer, res *estimator.Result, limit int) {
	if len(res.Items) == 0 {
		fmt.Fprintln(w, "No activities logged yet")
		return
	}
	sum := present.New(res)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("WHEN", "ACTIVITY", "QUANTITY", "CO2E")

	i := 0
	for e := range sum.Items() {
		if limit > 0 && i >= limit {
			break
		}
		when := "-"
		if at := res.Items[i].LoggedAt; !at.IsZero() {
			when = at.Local().Format("2006-01-02 15:04")
		}
		t.Row(when, e.Label, e.Quantity, e.CO2e)
		i++
	}
	fmt.Fprintln(w, t.String())
	if limit > 0 && len(res.Items) > limit {
		fmt.Fprintf(w, "%d of %d activities shown\n", limit, len(res.Items))
	}
	fmt.Fprintf(w, "Total: %s\n", sum.Total())
}

func cmdSuggest(args []string) int {
	fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
	g := registerGlobalFlags(fs)
	var f estimator.Factor
	fs.StringVar(&f.ActivityType, "type", "", "activity type (e.g. transport, food, energy)")
	fs.StringVar(&f.Key, "key", "", "factor key (e.g. car_petrol)")
	fs.Float64Var(&f.CO2ePerUnit, "per-unit", 0, "kg CO2e per unit")
	fs.StringVar(&f.Unit, "unit", "", "unit of the quantity (e.g. km, kg)")
	fs.StringVar(&f.SourceReference, "source", "", "where the figure comes from")
	cfg, ok := parseCommand(fs, g, args)
	if !ok {
		return 2
	}
	defer log.Close()

	if err := f.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return 2
	}
	est := estimator.New(transport.NewTracedClient(cfg.RequestTimeout), cfg.APIURL)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	res, err := authorized(func(creds session.Credentials) (estimator.Outcome, error) {
		return est.SuggestFactor(ctx, creds, f)
	})
	if err != nil {
		return fail(err)
	}
	msg := res.Message
	if msg == "" {
		msg = "Suggestion sent for review"
	}
	log.Info("factor_suggested: " + f.Key)
	fmt.Println(msg)
	return 0
}

func cmdDevices(args []string) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	g := registerGlobalFlags(fs)
	if _, ok := parseCommand(fs, g, args); !ok {
		return 2
	}
	defer log.Close()

	ctx, err := audio.NewContext()
	if err != nil {
		return fail(err)
	}
	defer ctx.Close()
	devices, err := ctx.Devices()
	if err != nil {
		return fail(err)
	}
	if len(devices) == 0 {
		return fail(audio.ErrNoDevice)
	}
	for _, d := range devices {
		fmt.Println(deviceLineText(&d))
	}
	return 0
}

func cmdDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	g := registerGlobalFlags(fs)
	cfg, ok := parseCommand(fs, g, args)
	if !ok {
		return 2
	}
	defer log.Close()
	return doctor.Run(cfg)
}
