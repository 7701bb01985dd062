// Package scheduler computes each Site's next_run_at from its schedule spec
// in the site's local timezone (spec §4.7). Grounded on the teacher's
// BackupSchedulerService ticker loop (internal/services/backup_scheduler.go:
// NewBackupSchedulerService/Start/checkSchedules/isDue), generalized from a
// single fixed-timezone cron-like schedule to per-site local time.
//
// Dispatch is pull-based, not push: Master only maintains next_run_at here;
// each Node's daemon independently polls DueSites for its own backlog and
// runs jobs through its local pipeline engine, one at a time per site (spec
// §4.1 "single engine, single queue"). This keeps Master from needing a
// reverse RPC channel into Nodes it may not be able to reach directly.
package scheduler

import (
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
)

// Scheduler ticks once a minute and sets next_run_at for every site on a
// non-manual schedule that has none yet; due sites are advanced only by
// Advance, once a Node claims the job.
type Scheduler struct {
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{
		interval: time.Minute,
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Println("scheduler started, checking every minute")
		s.tick()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopChan:
				log.Println("scheduler stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Scheduler) tick() {
	var sites []models.Site
	if err := database.DB.Where("schedule_frequency != ?", models.FrequencyManual).Find(&sites).Error; err != nil {
		log.Printf("scheduler: failed to load sites: %v", err)
		return
	}

	now := time.Now()
	for i := range sites {
		site := &sites[i]

		if site.NextRunAt == nil {
			next := NextRun(site, now)
			database.DB.Model(site).Update("next_run_at", next)
			continue
		}
		// Due: leave next_run_at alone. It only advances once the Node
		// actually claims and starts the job (Advance, called from
		// NodeBackupHandler.ClaimJob after progressstore.Start succeeds) —
		// Master's ticker and the Node's DueSites poll run on independent
		// phases, so advancing here could evict a due site from the backlog
		// before any Node ever observed it.
	}
}

// Advance moves a site's next_run_at past its next occurrence after now,
// called once a Node has actually claimed the due job (spec §4.7: a site
// must stay in the due backlog, visible to DueSites, until some Node's
// ClaimJob succeeds for it).
func Advance(site *models.Site, now time.Time) {
	next := NextRun(site, now.Add(time.Minute))
	if err := database.DB.Model(site).Update("next_run_at", next).Error; err != nil {
		log.Printf("scheduler: failed to advance next_run_at for site %d: %v", site.ID, err)
	}
}

// DueSites returns the sites owned by nodeID whose scheduled run has
// arrived, for a Node's pull-based dispatch loop (spec §4.7).
func DueSites(nodeID uint) ([]models.Site, error) {
	var sites []models.Site
	err := database.DB.Where("node_id = ? AND schedule_frequency != ? AND next_run_at <= ?",
		nodeID, models.FrequencyManual, time.Now()).Find(&sites).Error
	return sites, err
}

// NextRun computes the next occurrence of a site's schedule strictly after
// `after`, in the site's declared local timezone (default Africa/Harare,
// spec §3).
func NextRun(site *models.Site, after time.Time) *time.Time {
	if site.ScheduleFrequency == models.FrequencyManual {
		return nil
	}

	loc := siteLocation(site.Timezone)
	local := after.In(loc)
	hour, minute := parseTimeOfDay(site.ScheduleTimeOfDay)

	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	days := parseDayMask(site.ScheduleDayMask)

	switch site.ScheduleFrequency {
	case models.FrequencyDaily:
		next := candidate.UTC()
		return &next

	case models.FrequencyWeekly:
		if len(days) == 0 {
			next := candidate.UTC()
			return &next
		}
		for i := 0; i < 7; i++ {
			if contains(days, int(candidate.Weekday())) {
				next := candidate.UTC()
				return &next
			}
			candidate = candidate.AddDate(0, 0, 1)
		}

	case models.FrequencyMonthly:
		if len(days) == 0 {
			next := candidate.UTC()
			return &next
		}
		for i := 0; i < 32; i++ {
			if contains(days, candidate.Day()) {
				next := candidate.UTC()
				return &next
			}
			candidate = candidate.AddDate(0, 0, 1)
		}
	}

	next := candidate.UTC()
	return &next
}

func siteLocation(name string) *time.Location {
	if name == "" {
		name = "Africa/Harare"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("Africa/Harare", 2*60*60)
	}
	return loc
}

func parseTimeOfDay(s string) (int, int) {
	hour, minute := 2, 0
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 2 {
		if h, err := strconv.Atoi(parts[0]); err == nil {
			hour = h
		}
		if m, err := strconv.Atoi(parts[1]); err == nil {
			minute = m
		}
	}
	return hour, minute
}

// parseDayMask reads the CSV bitfield exactly as accepted at the API (spec
// §4.7): weekday indices 0-6 for weekly schedules, day-of-month 1-31 for
// monthly ones.
func parseDayMask(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
