// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/streamvisit"
	"github.com/poiesic/streamvisit/config"
	"github.com/poiesic/streamvisit/core"
	"github.com/poiesic/streamvisit/grouping"
	"github.com/poiesic/streamvisit/ingestion"
	"github.com/poiesic/streamvisit/search"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const maxLineSize = 4 << 20

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func dbFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "db",
		Aliases: []string{"d"},
		Usage:   "Path to BadgerDB database directory (default from config)",
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "streamvisit",
		Usage: "Streaming search over bucket partitioned documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:        "feed",
				Usage:       "Load documents from JSON-lines files",
				Description: feedDescription,
				ArgsUsage:   "FILE...",
				Action:      feedCommand,
				Flags: []cli.Flag{
					dbFlag(),
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of documents written per transaction",
						Value: ingestion.DefaultBatchSize,
					},
					&cli.IntFlag{
						Name:  "parallel",
						Usage: "Number of files parsed concurrently",
						Value: 4,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N documents",
						Value: 1000,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts for a failed batch",
						Value: ingestion.DefaultMaxAttempts,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: ingestion.DefaultBaseDelay,
					},
				},
			},
			{
				Name:   "query",
				Usage:  "Run one streaming search",
				Action: queryCommand,
				Flags: []cli.Flag{
					dbFlag(),
					&cli.StringFlag{Name: "user", Usage: "Numeric user id to search"},
					&cli.StringFlag{Name: "group", Usage: "Group name to search"},
					&cli.StringFlag{Name: "selection", Usage: "Document selection expression"},
					&cli.IntFlag{Name: "offset", Usage: "Index of the first hit returned"},
					&cli.IntFlag{Name: "hits", Usage: "Number of hits returned", Value: 10},
					&cli.DurationFlag{Name: "timeout", Usage: "Query timeout (default from config)"},
					&cli.StringFlag{Name: "sort", Usage: `Sort specification, e.g. "+year -title"`},
					&cli.StringFlag{Name: "rank-profile", Usage: "Numeric field ranking hits", Value: "default"},
					&cli.StringSliceFlag{Name: "rank-property", Usage: "Rank property as name=value"},
					&cli.StringSliceFlag{Name: "summary-field", Usage: "Field included in summaries (default all)"},
					&cli.StringSliceFlag{Name: "group-by", Usage: "Count hits per value of field, as field or field:maxGroups"},
					&cli.IntFlag{Name: "trace-level", Usage: "Trace level of the visit"},
					&cli.BoolFlag{Name: "partial", Usage: "Return partial results on timeout"},
					&cli.BoolFlag{Name: "distinct", Usage: "Drop repeated document ids"},
				},
			},
			{
				Name:  "traces",
				Usage: "Inspect traces exported for timed out visits",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List the most recent traces",
						Action: tracesListCommand,
						Flags: []cli.Flag{
							dbFlag(),
							&cli.IntFlag{Name: "limit", Usage: "Maximum number of traces listed", Value: 20},
						},
					},
					{
						Name:      "show",
						Usage:     "Print one trace",
						ArgsUsage: "TRACE-ID",
						Action:    tracesShowCommand,
						Flags:     []cli.Flag{dbFlag()},
					},
				},
			},
		},
	}
}

func openDatabase(c *cli.Context) (*streamvisit.Database, error) {
	cfg := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	db, err := streamvisit.NewDatabase(c.String("db"), streamvisit.WithConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// feedLine is one line of a feed file.
const feedDescription = `Each line is one document. The document type is the second id component
and must match the configured schema:

   {"id": "id:songs:music:n=1:waterloo", "fields": {"title": "Waterloo", "rank": 3}}`

type feedLine struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// readFeedFile parses a JSON-lines file of documents such as
//
//	{"id": "id:songs:music:g=abba:waterloo", "fields": {"year": 1974}}
//
// Field values may be strings, numbers or booleans.
func readFeedFile(path string) ([]*core.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readFeed(f, path)
}

func readFeed(r io.Reader, name string) ([]*core.Document, error) {
	var docs []*core.Document
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var fl feedLine
		if err := dec.Decode(&fl); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		doc := &core.Document{ID: fl.ID, Fields: make(map[string]string, len(fl.Fields))}
		for k, v := range fl.Fields {
			switch v := v.(type) {
			case string:
				doc.Fields[k] = v
			case json.Number:
				doc.Fields[k] = v.String()
			case bool:
				doc.Fields[k] = strconv.FormatBool(v)
			default:
				return nil, fmt.Errorf("%s:%d: field %q must be a string, number or boolean", name, lineNo, k)
			}
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return docs, nil
}

func feedCommand(c *cli.Context) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("at least one feed file is required")
	}
	if c.Int("parallel") <= 0 {
		return fmt.Errorf("parallel must be greater than 0")
	}

	// Parse every file before opening the database
	parsed := make([][]*core.Document, len(files))
	g, _ := errgroup.WithContext(c.Context)
	g.SetLimit(c.Int("parallel"))
	for i, path := range files {
		g.Go(func() error {
			docs, err := readFeedFile(path)
			if err != nil {
				return err
			}
			parsed[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	docs := slices.Concat(parsed...)

	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	feeder, err := db.NewFeeder(
		ingestion.WithBatchSize(c.Int("batch-size")),
		ingestion.WithRetry(c.Int("max-retries"), c.Duration("retry-delay")),
		ingestion.WithProgress(c.App.ErrWriter, c.Int("report-interval")))
	if err != nil {
		return err
	}
	defer feeder.Release()

	result, err := feeder.Feed(c.Context, docs)
	if err != nil {
		return fmt.Errorf("feed failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "fed %d documents from %d files in %d batches (%s)\n",
		result.Documents, len(files), result.Batches, result.Elapsed.Round(time.Millisecond))
	return nil
}

func buildQuery(c *cli.Context, defaultTimeout time.Duration) (*core.Query, error) {
	q := &core.Query{
		UserID:        c.String("user"),
		GroupName:     c.String("group"),
		Selection:     c.String("selection"),
		Offset:        c.Int("offset"),
		Hits:          c.Int("hits"),
		Timeout:       c.Duration("timeout"),
		StartedAt:     time.Now(),
		Ranking:       core.Ranking{Profile: c.String("rank-profile")},
		SummaryFields: c.StringSlice("summary-field"),
		TraceLevel:    c.Int("trace-level"),
	}
	if q.Timeout <= 0 {
		q.Timeout = defaultTimeout
	}

	if spec := c.String("sort"); spec != "" {
		sort, err := core.ParseSortSpec(spec)
		if err != nil {
			return nil, err
		}
		q.Sort = sort
	}

	for _, prop := range c.StringSlice("rank-property") {
		name, value, ok := strings.Cut(prop, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("rank property %q must be name=value", prop)
		}
		if q.Ranking.Properties == nil {
			q.Ranking.Properties = make(map[string]string)
		}
		q.Ranking.Properties[name] = value
	}

	for i, spec := range c.StringSlice("group-by") {
		req := grouping.Request{ID: i + 1, Field: spec}
		if field, limit, ok := strings.Cut(spec, ":"); ok {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("group-by %q: max groups must be a non-negative number", spec)
			}
			req.Field, req.MaxGroups = field, n
		}
		if req.Field == "" {
			return nil, fmt.Errorf("group-by %q: empty field", spec)
		}
		q.Grouping = append(q.Grouping, req)
	}
	return q, nil
}

func queryCommand(c *cli.Context) error {
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	q, err := buildQuery(c, db.DefaultTimeout())
	if err != nil {
		return err
	}

	var opts []search.Option
	if c.Bool("partial") {
		opts = append(opts, search.WithTimeoutPolicy(search.PartialOnTimeout))
	}
	if c.Bool("distinct") {
		opts = append(opts, search.WithDuplicatePolicy(search.DropDuplicates))
	}
	searcher, err := db.NewSearcher(opts...)
	if err != nil {
		return err
	}
	defer searcher.Close()

	result := searcher.Execute(c.Context, q)
	if result.Failed() {
		return fmt.Errorf("query failed: %w", result.Err)
	}
	printResult(c.App.Writer, q, result)
	return nil
}

func printResult(w io.Writer, q *core.Query, result *search.Result) {
	fmt.Fprintf(w, "total hits: %d, coverage: %.1f%% of %d documents\n",
		result.TotalHits, result.Coverage.Percent(), result.Coverage.Target)
	if result.Partial {
		fmt.Fprintln(w, "partial result: the visit timed out")
	}
	for i, h := range result.Hits {
		fmt.Fprintf(w, "%4d. %s rank=%g", q.Offset+i+1, h.DocID, h.Rank)
		if fields, err := h.Fields(); err == nil && len(fields) > 0 {
			fmt.Fprintf(w, " %s", formatFields(fields))
		}
		fmt.Fprintln(w)
	}
	for _, g := range result.Groupings {
		fmt.Fprintf(w, "group %d by %s:\n", g.ID, g.Field)
		for _, group := range g.Top() {
			fmt.Fprintf(w, "  %s: %d\n", group.Value, group.Count)
		}
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	if result.Trace != "" {
		fmt.Fprintf(w, "trace %s:\n%s", result.TraceID, result.Trace)
	}
}

func formatFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strconv.Quote(fields[name])
	}
	return strings.Join(parts, " ")
}

func tracesListCommand(c *cli.Context) error {
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	traces, err := db.TraceRepository().ListTraces(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Fprintln(c.App.Writer, "no traces")
		return nil
	}
	for _, t := range traces {
		fmt.Fprintf(c.App.Writer, "%s  %s  elapsed=%s timeout=%s  %s\n",
			t.TraceID, t.CreatedAt.Format(time.RFC3339), t.Elapsed, t.Timeout, t.Selection)
	}
	return nil
}

func tracesShowCommand(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("trace id is required")
	}
	db, err := openDatabase(c)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.TraceRepository().GetTrace(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "trace:     %s\nselection: %s\ncreated:   %s\ntimeout:   %s\nelapsed:   %s\n\n%s",
		t.TraceID, t.Selection, t.CreatedAt.Format(time.RFC3339), t.Timeout, t.Elapsed, t.Trace)
	return nil
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
