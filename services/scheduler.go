package services

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Scheduler は一定周期で発火チェックを回すポーリングループ。
// tickが重なることはない（前のtickが終わるまで次はスキップされる）。
type Scheduler struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	interval   time.Duration
	cron       *cron.Cron
}

func NewScheduler(db *gorm.DB, dispatcher *Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		db:         db,
		dispatcher: dispatcher,
		interval:   interval,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start はバックグラウンドでtickの実行を開始する
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.RunTick(time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("scheduler register error: %w", err)
	}
	s.cron.Start()
	log.Printf("scheduler started (interval: %s)", s.interval)
	return nil
}

// Stop は新しいtickの起動を止める。実行中のtickは完了まで走る。
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("scheduler stopped")
}

// RunTick は1回分の発火チェックを行う。nowはtick全体で1度だけ取った
// スナップショットで、tick内のすべての判定と再計算に同じ値を使う。
func (s *Scheduler) RunTick(now time.Time) {
	due, err := FindDueReminders(s.db, now)
	if err != nil {
		// ストレージ障害はこのtickを諦めて次の周期で再試行する
		log.Printf("due reminder query error: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	log.Printf("tick: %d reminder(s) due", len(due))

	for _, rem := range due {
		outcome := s.dispatcher.Dispatch(rem)

		// ターゲットが1つも解決できなかった場合は発火を消費せず、
		// 次のtickでそのまま再試行する
		if outcome == OutcomeSkippedNoTargets {
			log.Printf("reminder %d skipped: no resolvable targets", rem.ID)
			continue
		}

		// 配信失敗（denied/error）でも発火は消費する。繰り返しの
		// リマインダーは詰まらせず、予定どおり次回に再試行させる。
		if err := ApplyFire(s.db, &rem.Reminder, now); err != nil {
			log.Printf("reminder %d state commit error: %v", rem.ID, err)
			continue
		}
		log.Printf("✅ reminder %d fired (%s)", rem.ID, outcome)
	}
}
