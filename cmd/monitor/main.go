package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/sync/singleflight"

	"octopilot/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "dispatcher base URL")
	interval := flag.Duration("interval", time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	arenasTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	arenasTable.SetTitle("Arenas (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	trialsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	trialsView.SetTitle("Trials").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connected to %s | shortcuts: F10 quit, F5 refresh", c.baseURL))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(agentsView, 8, 0, false).
		AddItem(trialsView, 0, 3, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(arenasTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var selectedArenaID string
	var lastSnapshots []domain.SessionSnapshot
	var detailsVersion uint64
	var fetches singleflight.Group

	refreshArenas := func() {
		v, err, _ := fetches.Do("arenas", func() (any, error) {
			return c.listArenas()
		})
		if err != nil {
			app.QueueUpdateDraw(func() {
				arenasTable.Clear()
				arenasTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		snaps := v.([]domain.SessionSnapshot)
		lastSnapshots = snaps
		if selectedArenaID == "" && len(snaps) > 0 {
			selectedArenaID = snaps[0].ArenaID
		}
		app.QueueUpdateDraw(func() {
			renderArenasTable(arenasTable, snaps, selectedArenaID)
			statusView.SetText(fmt.Sprintf("Connected to %s | arenas=%d | refreshed %s",
				c.baseURL, len(snaps), time.Now().Format("15:04:05")))
		})
	}

	refreshDetailsAsync := func(arenaID string) {
		if strings.TrimSpace(arenaID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		var snap domain.SessionSnapshot
		for _, s := range lastSnapshots {
			if s.ArenaID == arenaID {
				snap = s
				break
			}
		}

		go func(selected string, v uint64) {
			type trialResult struct {
				items []domain.TrialRecord
				err   error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}

			trialCh := make(chan trialResult, 1)
			decisionCh := make(chan decisionResult, 1)

			go func() {
				items, err := c.listTrials(selected)
				trialCh <- trialResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listDecisions(selected, 100)
				decisionCh <- decisionResult{items: items, err: err}
			}()

			trialRes := <-trialCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedArenaID {
					return
				}
				agentsView.SetText(renderAgents(snap, time.Now()))
				if trialRes.err != nil {
					trialsView.SetText(fmt.Sprintf("error: %v", trialRes.err))
				} else {
					trialsView.SetText(renderTrials(trialRes.items, 200))
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
			})
		}(arenaID, version)
	}

	arenasTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastSnapshots) {
			return
		}
		selectedArenaID = lastSnapshots[row-1].ArenaID
		refreshDetailsAsync(selectedArenaID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshArenas()
				refreshDetailsAsync(selectedArenaID)
			}()
			statusView.SetText("Manual refresh requested")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshArenas()
		refreshDetailsAsync(selectedArenaID)
		for range ticker.C {
			refreshArenas()
			refreshDetailsAsync(selectedArenaID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(arenasTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) listArenas() ([]domain.SessionSnapshot, error) {
	var out []domain.SessionSnapshot
	if err := c.getJSON("/arenas", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTrials(arenaID string) ([]domain.TrialRecord, error) {
	var out []domain.TrialRecord
	if err := c.getJSON(fmt.Sprintf("/arenas/%s/trials", arenaID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listDecisions(arenaID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/arenas/%s/decisions?limit=%d", arenaID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
