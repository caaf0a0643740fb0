package protocol

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/dispatcher"
	"github.com/downfa11-org/logstream/pkg/logstream"
	"github.com/downfa11-org/logstream/util"
)

type ActivateJobsRequest struct {
	Type              string
	Worker            string
	MaxJobsToActivate int
	Timeout           time.Duration
}

func (r ActivateJobsRequest) Validate() error {
	switch {
	case r.MaxJobsToActivate < 1:
		return reject(InvalidArgument, "expected to activate at least 1 job, but requested %d", r.MaxJobsToActivate)
	case r.Timeout < 1:
		return reject(InvalidArgument, "expected activation timeout to be positive, but was %s", r.Timeout)
	case r.Type == "":
		return reject(InvalidArgument, "expected job type to be present, but none given")
	case r.Worker == "":
		return reject(InvalidArgument, "expected worker to be present, but none given")
	}
	return nil
}

// ActivateJobs asks the partitions in round-robin order for jobs until
// req.MaxJobsToActivate are collected or every partition was asked once.
// op receives how many jobs are still wanted. A partition that fails after
// its retries is skipped; the last such error is returned only if no job
// was activated at all.
func ActivateJobs[J any](ctx context.Context, p *Protocol, req ActivateJobsRequest, partitionCount int,
	op func(ctx context.Context, partition, remaining int) ([]J, error)) ([]J, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if partitionCount <= 0 {
		return nil, reject(InvalidArgument, "partition count must be positive, got %d", partitionCount)
	}

	start := int(p.next.Add(1)-1) % partitionCount
	var (
		jobs    []J
		lastErr error
	)
	for i := 0; i < partitionCount; i++ {
		remaining := req.MaxJobsToActivate - len(jobs)
		if remaining <= 0 {
			break
		}
		partition := (start + i) % partitionCount
		got, err := executeOn(ctx, p, partition, func(ctx context.Context, partition int) ([]J, error) {
			return op(ctx, partition, remaining)
		})
		if err != nil {
			var rejection *Rejection
			if errors.As(err, &rejection) || ctx.Err() != nil {
				return jobs, err
			}
			util.Warn("[PROTOCOL] group %s: activating %s jobs on partition %d failed: %v", p.cfg.Group, req.Type, partition, err)
			lastErr = err
			continue
		}
		if len(got) > remaining {
			got = got[:remaining]
		}
		jobs = append(jobs, got...)
	}
	if len(jobs) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return jobs, nil
}

// AppendRequest is a keyed batch of records for one partition.
type AppendRequest struct {
	Key      []byte
	StreamID int32
	Records  [][]byte
}

func (r AppendRequest) Validate() error {
	switch {
	case len(r.Key) == 0:
		return reject(InvalidArgument, "expected a routing key, but none given")
	case len(r.Records) == 0:
		return reject(InvalidArgument, "expected at least one record, but none given")
	}
	return nil
}

// Append routes req to the writer of its partition and waits for the
// commit, retrying when the partition is not the leader.
func Append(ctx context.Context, p *Protocol, writers []*logstream.Writer, req AppendRequest) (dispatcher.Completion, error) {
	if err := req.Validate(); err != nil {
		return dispatcher.Completion{}, err
	}
	return Execute(ctx, p, req.Key, len(writers), func(ctx context.Context, partition int) (dispatcher.Completion, error) {
		return writers[partition].Append(ctx, req.StreamID, req.Records)
	})
}
