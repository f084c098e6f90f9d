package eventstore

import "github.com/famlist/project/internal/platform/metrics"

var (
	appendsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "eventstore_appends_total",
		Help: "Event log append outcomes.",
	}, []string{"result"})

	lockConflictsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "eventstore_lock_conflicts_total",
		Help: "Optimistic lock conflicts by detection point.",
	}, []string{"stage"})

	lockRetriesTotal = metrics.NewCounter(metrics.Opts{
		Name: "eventstore_lock_retries_total",
		Help: "Optimistic update attempts that were retried.",
	})

	snapshotsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "eventstore_snapshots_total",
		Help: "Snapshot creation outcomes.",
	}, []string{"result"})
)

func init() {
	metrics.Default.MustRegister(appendsTotal, lockConflictsTotal, lockRetriesTotal, snapshotsTotal)
}
