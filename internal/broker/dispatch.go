// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package broker

import (
	"context"

	"github.com/codepr/opsctl/internal/model"
)

// JobDispatcher adapts a Gateway to jobengine.BuildDispatcher, translating
// the core's model types into the wire DTOs PublishBuild expects. It is
// the only place those two vocabularies meet.
type JobDispatcher struct {
	gw *Gateway
}

func NewJobDispatcher(gw *Gateway) *JobDispatcher {
	return &JobDispatcher{gw: gw}
}

// Dispatch builds a BuildDispatch from a build-kind Job/Task/BuildSpec and
// publishes it to build.<type>[.<runner>], per spec.md §6.
func (d *JobDispatcher) Dispatch(ctx context.Context, job *model.Job, task *model.Task, spec *model.BuildSpec, runnerName string) error {
	steps := make([]StepPayload, len(spec.Steps))
	for i, s := range spec.Steps {
		stepType := string(s.Type)
		if s.Type == "custom" && s.Custom != "" {
			stepType = s.Custom
		}
		steps[i] = StepPayload{
			ID:                s.ID,
			Name:              s.Name,
			StepType:          stepType,
			Command:           s.Command,
			Script:            s.Script,
			WorkingDir:        s.WorkingDir,
			TimeoutSecs:       s.TimeoutSecs,
			ContinueOnFailure: s.ContinueOnFailure,
			ProducesArtifact:  s.ProducesArtifact,
			DockerImage:       s.DockerImage,
		}
	}

	dispatch := BuildDispatch{
		TaskID: task.ID.String(),
		JobID:  job.ID.String(),
		Project: ProjectInfo{
			Name:          spec.Repository,
			RepositoryURL: spec.Repository,
			Branch:        spec.Branch,
			Commit:        spec.Commit,
			TriggeredBy:   job.CreatorID.String(),
		},
		Build: BuildInfo{
			BuildType:  spec.BuildType,
			EnvVars:    spec.EnvVars,
			Parameters: spec.Parameters,
		},
		Steps: steps,
	}
	return d.gw.PublishBuild(dispatch, runnerName)
}
