package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"carbonlog/audio"
	"carbonlog/beep"
	"carbonlog/config"
	"carbonlog/log"
	"carbonlog/pipeline"
	"carbonlog/present"
	"carbonlog/session"
)

// printSink writes the events a script cares about, one line each.
type printSink struct {
	mu      sync.Mutex
	w       io.Writer
	state   pipeline.State
	noVoice bool
}

func (p *printSink) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printSink) Snapshot(s pipeline.Snapshot) {
	p.mu.Lock()
	changed := s.State != p.state
	p.state = s.State
	p.mu.Unlock()
	if changed {
		p.printf("state: %s", s.State)
	}
}

func (p *printSink) RecordingTick(time.Duration) {}
func (p *printSink) AudioLevel(float64)          {}

func (p *printSink) NoVoiceWarning(on bool) {
	p.mu.Lock()
	changed := on != p.noVoice
	p.noVoice = on
	p.mu.Unlock()
	if changed && on {
		p.printf("no_voice")
	}
}

func (p *printSink) DeviceLine(text string)      { p.printf("%s", text) }
func (p *printSink) AuthExpired(username string) { p.printf("auth_expired %s", username) }

func runTestMode(cfg *config.Config, wavPath string, store *session.Store, sess *session.Session) {
	beep.Disable()

	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		os.Exit(1)
	}

	sink := &printSink{w: os.Stdout}
	a := newApp(cfg, fakeCtx, nil, store, sess, sink)
	defer a.close()

	if err := runScript(a, fakeCtx, os.Stdin, sink); err != nil {
		log.Errorf("test script: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runScript drives the pipeline from line commands:
//
//	TYPE <text>          replace the activity text
//	LOGIN <user> <pass>  log in against the auth service
//	REC | STOP | CANCEL  control the recording
//	WAIT_AUDIO_DONE      block until the fake device has played its input
//	SUBMIT               submit and print the result
//	SLEEP <ms>
//	QUIT
func runScript(a *app, fake *audio.FakeContext, in io.Reader, out *printSink) error {
	ctx := context.Background()
	o := a.orch
	fail := func(err error) {
		out.printf("error[%s]: %v", pipeline.KindOf(err), err)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "TYPE":
			if err := o.SetText(arg); err != nil {
				fail(err)
			}
		case "LOGIN":
			user, pass, _ := strings.Cut(arg, " ")
			if err := a.login(ctx, user, pass, false); err != nil {
				fail(err)
				continue
			}
			out.printf("logged in as %s", user)
		case "REC":
			if err := o.StartRecording(ctx); err != nil {
				fail(err)
			}
		case "STOP":
			text, err := o.StopRecording(ctx)
			if err != nil {
				fail(err)
				continue
			}
			out.printf("transcript: %s", text)
		case "CANCEL":
			o.CancelRecording()
		case "WAIT_AUDIO_DONE":
			if c := fake.Last(); c != nil {
				<-c.AudioDone()
			}
		case "SUBMIT":
			res, err := o.Submit(ctx)
			if err != nil {
				fail(err)
				continue
			}
			printSummary(out, present.New(res))
		case "SLEEP":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("SLEEP %q: %w", arg, err)
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		case "QUIT":
			return nil
		default:
			return errors.New("unknown command: " + cmd)
		}
	}
	return scanner.Err()
}

func printSummary(out *printSink, sum present.Summary) {
	out.printf("total: %s", sum.Total())
	for e := range sum.Items() {
		out.printf("  %s (%s): %s", e.Label, e.Quantity, e.CO2e)
	}
	for _, u := range sum.Unrecognized() {
		out.printf("  not recognized: %s", u)
	}
}
