// Command feedctl is a terminal client for a campusfeed server. It drives the
// same feed engine a UI would, so posts, likes and reports go through the
// optimistic and moderation paths.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/blackmichael/campusfeed/internal/auth"
	"github.com/blackmichael/campusfeed/internal/config"
	"github.com/blackmichael/campusfeed/internal/domain"
	"github.com/blackmichael/campusfeed/internal/feed"
	"github.com/blackmichael/campusfeed/internal/livestream"
	"github.com/blackmichael/campusfeed/internal/logging"
	"github.com/blackmichael/campusfeed/internal/media"
)

const usage = `usage: feedctl [flags] <command> [args]

commands:
  watch                   print the feed every time it changes
  post <text>             publish a post (use -image to attach a photo)
  like <post-id>          toggle your like on a post
  report <post-id>        report a post and hide it from your feed
  delete <post-id>        delete a post (admins only)
  comments <post-id>      print a post's comments
  comment <post-id> <text> add a comment
  share <post-id>         print share text for a post
  avatar <image>          change your profile picture
  signup <username>       create your user profile
  lookup <username>       resolve a username to its email

flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		serverURL string
		token     string
		uid       string
		name      string
		email     string
		tab       string
		image     string
		timeout   time.Duration
		verbose   bool
	)

	flag.StringVar(&serverURL, "server", cfg.ServerURL, "live endpoint of the server")
	flag.StringVar(&token, "token", envOrDefault("CAMPUSFEED_TOKEN", ""), "bearer token (minted from CAMPUSFEED_TOKEN_SECRET when empty)")
	flag.StringVar(&uid, "uid", envOrDefault("CAMPUSFEED_UID", ""), "your user id")
	flag.StringVar(&name, "name", envOrDefault("CAMPUSFEED_NAME", ""), "your display name")
	flag.StringVar(&email, "email", envOrDefault("CAMPUSFEED_EMAIL", ""), "your account email")
	flag.StringVar(&tab, "tab", "feed", "feed, confessions or profile")
	flag.StringVar(&image, "image", "", "image file to attach to a post")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "how long one-shot commands wait")
	flag.BoolVar(&verbose, "v", false, "log engine activity to stderr")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("a command is required")
	}
	if uid == "" {
		return fmt.Errorf("--uid is required (or set CAMPUSFEED_UID)")
	}

	if token == "" && cfg.TokenSecret != "" {
		token, err = auth.NewAuthenticator(cfg.TokenSecret, nil).Mint(uid, email, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = logging.New("debug", "text", os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := livestream.NewClient(serverURL, token, logging.WithComponent(logger, "livestream"))
	clientErr := make(chan error, 1)
	go func() { clientErr <- client.Run(ctx) }()

	cmd, rest := args[0], args[1:]

	// Profile commands need no feed.
	switch cmd {
	case "lookup":
		if len(rest) != 1 {
			return fmt.Errorf("usage: feedctl lookup <username>")
		}
		found, err := withTimeout(ctx, timeout, func(ctx context.Context) (string, error) {
			return client.FindEmailByUsername(ctx, rest[0])
		})
		if err != nil {
			return err
		}
		fmt.Println(found)
		return nil
	case "signup":
		if len(rest) != 1 {
			return fmt.Errorf("usage: feedctl signup <username>")
		}
		cleanEmail, username, err := domain.ValidateSignup(email, rest[0], cfg.AllowedEmailDomain)
		if err != nil {
			return err
		}
		_, err = withTimeout(ctx, timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, client.PutUserProfile(ctx, domain.UserProfile{
				UID:      uid,
				Username: username,
				Email:    cleanEmail,
			})
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created profile %s for %s\n", username, cleanEmail)
		return nil
	}

	nav := feed.Navigation{Page: feed.PageFeed, Tab: domain.PostType(tab)}
	if tab == string(feed.PageProfile) {
		nav = feed.Navigation{Page: feed.PageProfile}
	}

	views := newViewStream()
	engine := feed.NewEngine(client,
		media.NewPipeline(cfg.Media.MaxBytes, cfg.Media.MaxDimension, cfg.Media.UploadURL, cfg.Media.UploadPreset),
		feed.Config{
			AdminEmails:  cfg.AdminEmails,
			Threshold:    cfg.StrikeThreshold,
			TickInterval: cfg.TickInterval,
		},
		logging.WithComponent(logger, "feed"),
		views.render,
	)
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	sessions := newStaticSession(&domain.Session{UID: uid, DisplayName: name, Email: email, EmailVerified: true})
	go engine.Follow(ctx, sessions)
	engine.Navigate(nav)

	c := &command{
		engine:  engine,
		views:   views,
		cfg:     cfg,
		timeout: timeout,
		out:     os.Stdout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.run(ctx, cmd, rest, image) }()

	select {
	case err := <-errCh:
		stop()
		<-engineDone
		return err
	case err := <-clientErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connection: %w", err)
	}
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func readImage(path string) (domain.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.File{}, fmt.Errorf("read image: %w", err)
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	return domain.File{Name: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// staticSession is a SessionProvider for a user who stays signed in.
type staticSession struct {
	ch chan *domain.Session
}

func newStaticSession(s *domain.Session) *staticSession {
	ch := make(chan *domain.Session, 1)
	ch <- s
	return &staticSession{ch: ch}
}

func (s *staticSession) Sessions() <-chan *domain.Session {
	return s.ch
}
