// Command mountctl is a read-only status viewer over the persistence
// store a running mountd writes to (package persist). It never talks
// to the daemon directly — there is no control-plane transport in
// this build (spec.md §1) — so it only ever shows what was last
// durably dumped, refreshed on a tick, mirroring the teacher's
// BuildDB-polling monitor rather than any live RPC view.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	bolt "go.etcd.io/bbolt"

	"mountd/config"
	"mountd/persist"
)

func main() {
	configPath := "/etc/mountd.conf"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabasePath == "" {
		fmt.Fprintln(os.Stderr, "mountctl: no database_path configured")
		os.Exit(1)
	}

	app := tview.NewApplication()
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetChangedFunc(func() { app.Draw() })
	view.SetBorder(true).SetTitle(" mountd unit status ").SetTitleAlign(tview.AlignLeft)
	view.SetText("[yellow]Opening store...[white]")

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	stop := make(chan struct{})
	go pollAndRender(app, view, cfg.DatabasePath, stop)

	if err := app.SetRoot(view, true).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: %v\n", err)
		os.Exit(1)
	}
	close(stop)
}

func pollAndRender(app *tview.Application, view *tview.TextView, dbPath string, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		rows, err := readRows(dbPath)
		app.QueueUpdateDraw(func() {
			if err != nil {
				view.SetText(fmt.Sprintf("[red]error reading %s: %v[white]", dbPath, err))
				return
			}
			view.SetText(renderRows(rows))
		})

		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

type row struct {
	name string
	rec  persist.Record
}

// readRows opens the store read-only-ish each tick (bbolt allows
// concurrent read-only transactions from a separate *DB handle while
// mountd holds the writer) so mountctl never needs its own long-lived
// lease on the database.
func readRows(dbPath string) ([]row, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var rows []row
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(persist.BucketUnits))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec persist.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip a corrupt record rather than aborting the whole view
			}
			rows = append(rows, row{name: string(k), rec: rec})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	return rows, nil
}

func renderRows(rows []row) string {
	if len(rows) == 0 {
		return "[gray]no persisted units[white]"
	}

	out := fmt.Sprintf("%-40s %-18s %-10s %s\n", "UNIT", "STATE", "PID", "CHANGED")
	for _, r := range rows {
		color := "white"
		switch {
		case r.rec.Result != 0:
			color = "red"
		case r.rec.State.IsHelperActive():
			color = "yellow"
		}
		out += fmt.Sprintf("[%s]%-40s %-18s %-10d %s[white]\n",
			color, r.name, r.rec.State, r.rec.ControlPID, r.rec.StateChangeTime.Format(time.RFC3339))
	}
	return out
}
