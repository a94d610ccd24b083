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

import (
	"errors"
	"net/http"
)

var (
	ErrExtraction        = errors.New("reference extraction failed")
	ErrSourceUnavailable = errors.New("statute source unavailable")
	ErrNotFound          = errors.New("statute not found")
	ErrEmbedding         = errors.New("embedding failed")
	ErrStoreUnavailable  = errors.New("statute store unavailable")
)

// HTTPStatus maps an error to the status code the web API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrExtraction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
