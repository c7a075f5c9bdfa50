package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Scenario is one benchmark run: a substrate and a sender mode over a
// fixed receiver fleet.
type Scenario struct {
	Service     string
	AsyncSender bool
}

// RunRecord is the merged per-scenario record appended to the report path:
// the sender's own report line plus harness-side metadata.
type RunRecord map[string]any

// Harness runs scenarios: broker up, receivers up, sender through,
// teardown, merge report.
type Harness struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a harness.
func New(cfg Config, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{cfg: cfg, logger: logger}
}

// Run executes one scenario end to end. Teardown always runs, and every
// scenario yields exactly one report record: launch failures and mid-run
// aborts are folded into the record, never raised. The only error out of
// Run is a failure to append the record itself.
func (h *Harness) Run(ctx context.Context, sc Scenario) (RunRecord, error) {
	h.logger.Info("scenario starting",
		"service", sc.Service, "async_sender", sc.AsyncSender,
		"receivers", h.cfg.Receivers, "async_receivers", h.cfg.AsyncReceivers)

	group := NewProcessGroup(h.cfg.LogDir, h.logger)
	defer group.TerminateAll(h.stopGrace())

	aborted := ""
	senderRan := false
	var receivers []*Proc

	if err := h.launchBroker(group, sc.Service); err != nil {
		h.logger.Error("broker launch failed", "service", sc.Service, "error", err)
		aborted = fmt.Sprintf("broker launch failed: %v", err)
	}
	if aborted == "" {
		var err error
		receivers, err = h.launchReceivers(group, sc)
		if err != nil {
			h.logger.Error("receiver launch failed", "service", sc.Service, "error", err)
			aborted = fmt.Sprintf("receiver launch failed: %v", err)
		}
	}
	if aborted == "" {
		senderRan = true
		aborted = h.runSender(ctx, group, sc, receivers)
	}

	record := h.mergeReport(sc, receivers, aborted, senderRan)
	if err := h.appendRecord(record); err != nil {
		return nil, err
	}
	h.logger.Info("scenario finished", "service", sc.Service, "aborted", aborted != "")
	return record, nil
}

func (h *Harness) stopGrace() time.Duration {
	if h.cfg.StopGrace > 0 {
		return h.cfg.StopGrace
	}
	return 5 * time.Second
}

// launchBroker starts the substrate's broker when the config names one and
// waits out its settle delay. Peer-to-peer substrates have no entry.
func (h *Harness) launchBroker(group *ProcessGroup, service string) error {
	broker, ok := h.cfg.Brokers[service]
	if !ok || len(broker.Command) == 0 {
		return nil
	}
	if _, err := group.Start("broker-"+service, broker.Command[0], broker.Command[1:]...); err != nil {
		return fmt.Errorf("launch broker for %s: %w", service, err)
	}
	if broker.SettleDelay > 0 {
		h.logger.Info("waiting for broker", "service", service, "settle", broker.SettleDelay)
		time.Sleep(broker.SettleDelay)
	}
	return nil
}

func (h *Harness) launchReceivers(group *ProcessGroup, sc Scenario) ([]*Proc, error) {
	total := h.cfg.Receivers + h.cfg.AsyncReceivers
	receivers := make([]*Proc, 0, total)
	for id := 0; id < total; id++ {
		args := []string{"--service", sc.Service, "--id", strconv.Itoa(id)}
		if id >= h.cfg.Receivers {
			args = append(args, "--async")
		}
		p, err := group.Start("receiver-"+strconv.Itoa(id), h.cfg.ReceiverBin, args...)
		if err != nil {
			return nil, fmt.Errorf("launch receiver %d: %w", id, err)
		}
		receivers = append(receivers, p)
	}
	return receivers, nil
}

// runSender drives the sender process while polling the receiver fleet. It
// returns a non-empty abort reason when a receiver died mid-run and the
// sender had to be killed.
func (h *Harness) runSender(ctx context.Context, group *ProcessGroup, sc Scenario, receivers []*Proc) string {
	args := []string{
		"--service", sc.Service,
		"--data", h.cfg.DataPath,
		"--report", h.cfg.ReportPath,
		"--receivers", strconv.Itoa(h.cfg.Receivers + h.cfg.AsyncReceivers),
	}
	if sc.AsyncSender {
		args = append(args, "--async")
	}

	sender, err := group.Start("sender", h.cfg.SenderBin, args...)
	if err != nil {
		return fmt.Sprintf("launch sender: %v", err)
	}

	timeout := h.cfg.SenderTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.After(timeout)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			group.Terminate(sender, h.stopGrace())
			return "canceled"
		case <-deadline:
			group.Terminate(sender, h.stopGrace())
			return "sender timeout"
		case <-ticker.C:
			for i, p := range receivers {
				if !p.Alive() {
					h.logger.Error("receiver died mid-run, aborting",
						"receiver", i, "error", p.ExitErr())
					group.Terminate(sender, h.stopGrace())
					return fmt.Sprintf("receiver %d exited", i)
				}
			}
			if !sender.Alive() {
				if err := sender.ExitErr(); err != nil {
					return fmt.Sprintf("sender failed: %v", err)
				}
				return ""
			}
		}
	}
}

// mergeReport reads the sender's last report line and folds in the
// harness-side metadata. A missing or unreadable report still yields a
// harness-only record. When the sender never ran, the report file is not
// consulted at all so a stale line from an earlier scenario cannot bleed in.
func (h *Harness) mergeReport(sc Scenario, receivers []*Proc, aborted string, senderRan bool) RunRecord {
	record := RunRecord{}
	if senderRan {
		if line := lastReportLine(h.cfg.ReportPath); line != "" {
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				h.logger.Warn("unparsable report line", "error", err)
				record = RunRecord{}
			}
		} else {
			h.logger.Warn("no report line found", "path", h.cfg.ReportPath)
		}
	}

	record["service"] = sc.Service
	record["sender_mode"] = senderMode(sc.AsyncSender)
	record["sync_receivers"] = h.cfg.Receivers
	record["async_receivers"] = h.cfg.AsyncReceivers
	if aborted != "" {
		record["aborted"] = aborted
	}

	logSizes := make(map[string]int64, len(receivers))
	for _, p := range receivers {
		logSizes[p.Label] = p.LogSize()
	}
	record["receiver_log_bytes"] = logSizes
	return record
}

func (h *Harness) appendRecord(record RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	f, err := os.OpenFile(h.cfg.ReportPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append run record: %w", err)
	}
	return nil
}

func senderMode(async bool) string {
	if async {
		return "async"
	}
	return "sync"
}

// lastReportLine returns the final non-empty line of the report file, or
// empty when the file is missing or blank.
func lastReportLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
