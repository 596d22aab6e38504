package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/loomworks/loom/workflow"
)

func (a *API) stats(ctx forge.Context) error {
	c := ctx.Context()

	var counts InstanceCounts
	for _, status := range []workflow.Status{
		workflow.StatusCreated, workflow.StatusRunning, workflow.StatusSleeping,
		workflow.StatusWaiting, workflow.StatusPaused, workflow.StatusCompleted,
		workflow.StatusErrored, workflow.StatusTerminated,
	} {
		instances, err := a.eng.ListInstances(c, workflow.ListOpts{Status: status, Limit: 0})
		if err != nil {
			return err
		}
		switch status {
		case workflow.StatusCreated:
			counts.Created = len(instances)
		case workflow.StatusRunning:
			counts.Running = len(instances)
		case workflow.StatusSleeping:
			counts.Sleeping = len(instances)
		case workflow.StatusWaiting:
			counts.Waiting = len(instances)
		case workflow.StatusPaused:
			counts.Paused = len(instances)
		case workflow.StatusCompleted:
			counts.Completed = len(instances)
		case workflow.StatusErrored:
			counts.Errored = len(instances)
		case workflow.StatusTerminated:
			counts.Terminated = len(instances)
		}
	}

	bs := a.eng.Broker().Stats()

	return ctx.JSON(http.StatusOK, StatsResponse{
		Instances: counts,
		Stream: StreamStats{
			TopicCount:      bs.TopicCount,
			SubscriberCount: bs.SubscriberCount,
			TotalPublished:  bs.TotalPublished,
			TotalDropped:    bs.TotalDropped,
		},
	})
}
