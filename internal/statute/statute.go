/*
   STAVbot - Statute Transcript Analysis and Verification bot
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package statute

import "time"

// Record is an authoritative statute text as stored in the cache.
type Record struct {
	ID          string    `db:"id" json:"statute_id"`
	Title       string    `db:"title" json:"title"`
	FullText    string    `db:"full_text" json:"full_text"`
	URL         string    `db:"url" json:"url"`
	LastUpdated time.Time `db:"last_updated" json:"last_updated"`
	Embedding   []float32 `db:"embedding" json:"-"`
}

// Lookup is the outcome of resolving a statute id. Err is nil when the
// statute was found; otherwise Error carries its message.
type Lookup struct {
	Record
	Found  bool   `json:"found"`
	Cached bool   `json:"cached"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// Fail marks the lookup as unresolved because of err.
func (l *Lookup) Fail(err error) {
	l.Found = false
	l.Err = err
	l.Error = err.Error()
}

// Stale reports whether the record is older than retention at moment now.
func (r *Record) Stale(now time.Time, retention time.Duration) bool {
	return now.Sub(r.LastUpdated) > retention
}
