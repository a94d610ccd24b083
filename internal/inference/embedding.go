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

package inference

import "context"

// Embedder turns text into a fixed-length vector. The same embedder must be
// used for both sides of a comparison.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	_ Embedder = (*Client)(nil)
	_ Embedder = (*OpenAIEmbedder)(nil)
)
