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

package store

import (
	"context"
	"encoding/json"

	"github.com/codepr/opsctl/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// HostResolver satisfies jobengine.HostResolver by reading the hosts
// table. The core never writes to it; ownership lives elsewhere.
type HostResolver struct {
	db *DB
}

func NewHostResolver(db *DB) *HostResolver {
	return &HostResolver{db: db}
}

type hostRow struct {
	ID            string         `db:"id"`
	Address       string         `db:"address"`
	Port          int            `db:"port"`
	Environment   string         `db:"environment"`
	GroupID       *string        `db:"group_id"`
	GroupCritical bool           `db:"group_critical"`
	Status        string         `db:"status"`
	KeyMode       string         `db:"key_mode"`
	KnownHosts    []byte         `db:"known_hosts"`
}

func (r *hostRow) toModel() (model.Host, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.Host{}, err
	}
	host := model.Host{
		ID:            id,
		Address:       r.Address,
		Port:          r.Port,
		Environment:   r.Environment,
		GroupCritical: r.GroupCritical,
		Status:        model.HostStatus(r.Status),
		KeyMode:       model.HostKeyMode(r.KeyMode),
	}
	if r.GroupID != nil {
		groupID, err := uuid.Parse(*r.GroupID)
		if err != nil {
			return model.Host{}, err
		}
		host.GroupID = groupID
	}
	if len(r.KnownHosts) > 0 {
		if err := json.Unmarshal(r.KnownHosts, &host.KnownHosts); err != nil {
			return model.Host{}, errors.Wrap(err, "unmarshal known_hosts")
		}
	}
	return host, nil
}

// ResolveTargets expands explicit host IDs plus every active member of
// the given groups into a deduplicated host list.
func (h *HostResolver) ResolveTargets(ctx context.Context, hostIDs, groupIDs []uuid.UUID) ([]model.Host, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []model.Host

	if len(hostIDs) > 0 {
		var rows []hostRow
		err := h.db.sql.SelectContext(ctx, &rows, `
			SELECT * FROM hosts WHERE id = ANY($1) AND status = 'active'`,
			pq.Array(uuidsToStrings(hostIDs)))
		if err != nil {
			return nil, errors.Wrap(err, "resolve hosts by id")
		}
		for i := range rows {
			m, err := rows[i].toModel()
			if err != nil {
				return nil, err
			}
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}

	if len(groupIDs) > 0 {
		var rows []hostRow
		err := h.db.sql.SelectContext(ctx, &rows, `
			SELECT * FROM hosts WHERE group_id = ANY($1) AND status = 'active'`,
			pq.Array(uuidsToStrings(groupIDs)))
		if err != nil {
			return nil, errors.Wrap(err, "resolve hosts by group")
		}
		for i := range rows {
			m, err := rows[i].toModel()
			if err != nil {
				return nil, err
			}
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}

	return out, nil
}
