package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"okrline/internal/app"
	"okrline/internal/domain"
	"okrline/internal/engine"
	"okrline/internal/mcpserver"
	"okrline/internal/server"
	"okrline/internal/tui"
	"okrline/internal/watch"
	okrlinesdk "okrline/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OKRLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if err := app.CheckCredentials(e.Config); err != nil {
					log.Printf("warning: %v; runs will fail until they are set", err)
				}
				if !cmd.Flags().Changed("addr") && e.Config.Server.Addr != "" {
					addr = e.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && e.Config.Server.BasePath != "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(e.Repo, e.Config.Webhooks)
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving okrline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("OKRLINE_JWT_SECRET is required to sign tokens")
			}
			if actor == "" {
				actor = actorID()
			}
			tok, err := server.SignToken(secret, actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func watchCmd() *cobra.Command {
	var inbox string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest every CSV dropped into an inbox directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if err := app.CheckCredentials(e.Config); err != nil {
					return err
				}
				if !cmd.Flags().Changed("inbox") && e.Config.Watch.Inbox != "" {
					inbox = e.Config.Watch.Inbox
				}
				if !filepath.IsAbs(inbox) {
					inbox = filepath.Join(viper.GetString("workspace"), inbox)
				}
				w := &watch.Watcher{
					Engine:  e,
					Inbox:   inbox,
					Session: sessionID(),
					Actor:   actorID(),
					Started: func(path string, st domain.RunStatus) {
						fmt.Printf("→ %s: %s\n", filepath.Base(path), st.Status)
					},
				}
				fmt.Printf("Watching %s for .csv files (Ctrl-C to stop)\n", inbox)
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&inbox, "inbox", "inbox", "directory to watch")
	return cmd
}

func tuiCmd() *cobra.Command {
	var light bool
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) || !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("tui needs an interactive terminal")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				logPath := filepath.Join(viper.GetString("workspace"), ".okrline", "tui.log")
				f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				log.SetOutput(f)
				defer log.SetOutput(os.Stderr)
				return tui.Run(ctx, e, tui.Options{
					SessionID: sessionID(),
					Actor:     actorID(),
					ExportDir: viper.GetString("workspace"),
					Dark:      !light,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&light, "light", false, "start in light mode")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve okrline tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				log.SetPrefix("okrline: ")
				s, err := mcpserver.NewServer(e, actorID())
				if err != nil {
					return err
				}
				return s.Run(ctx)
			})
		},
	}
}

func apiCmd() *cobra.Command {
	var baseURL, token string
	api := &cobra.Command{
		Use:   "api",
		Short: "Talk to a running okr serve",
	}
	api.PersistentFlags().StringVar(&baseURL, "url", "http://127.0.0.1:8080/v0", "API base URL")
	api.PersistentFlags().StringVar(&token, "token", "", "bearer token (or OKRLINE_API_TOKEN)")
	client := func() *okrlinesdk.Client {
		c := okrlinesdk.New(baseURL, sessionID())
		c.BearerToken = token
		if c.BearerToken == "" {
			c.BearerToken = viper.GetString("api-token")
		}
		return c
	}

	api.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show remote pipeline state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})

	var wait bool
	ingest := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Start a run on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c := client()
			st, err := c.StartRun(cmd.Context(), string(data))
			if err != nil {
				return err
			}
			if wait {
				if st, err = c.Wait(cmd.Context(), 500*time.Millisecond); err != nil {
					return err
				}
			}
			return printJSON(st)
		},
	}
	ingest.Flags().BoolVar(&wait, "wait", false, "wait for the run to settle")
	api.AddCommand(ingest)

	var status string
	api.AddCommand(func() *cobra.Command {
		cmd := &cobra.Command{
			Use:   "initiatives",
			Short: "List initiatives from the server",
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := client().Initiatives(cmd.Context(), strings.TrimSpace(status))
				if err != nil {
					return err
				}
				return printJSON(d)
			},
		}
		cmd.Flags().StringVar(&status, "status", "", "status filter")
		return cmd
	}())
	return api
}
