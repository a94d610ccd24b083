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

package db

// DefaultDiscrepancyThreshold is the similarity below which a reference is
// reported as a discrepancy.
const DefaultDiscrepancyThreshold = 0.6

type UserConfig struct {
	UserID               int64   `db:"user_id"`
	DiscrepancyThreshold float64 `db:"discrepancy_threshold"`
	SentenceContext      bool    `db:"sentence_context"`
}

func DefaultUserConfig(userID int64) *UserConfig {
	return &UserConfig{
		UserID:               userID,
		DiscrepancyThreshold: DefaultDiscrepancyThreshold,
		SentenceContext:      false,
	}
}
