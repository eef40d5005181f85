// Copyright (C) 2024 Nippon Telegraph and Telephone Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package table

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"strings"
)

// Destination holds every candidate path for one prefix within one table,
// sorted from most to least preferred. At most the first entry is selected.
type Destination struct {
	prefix        netip.Prefix
	knownPathList []*Path
}

func NewDestination(prefix netip.Prefix, known ...*Path) *Destination {
	return &Destination{
		prefix:        prefix,
		knownPathList: known,
	}
}

func (dd *Destination) GetPrefix() netip.Prefix {
	return dd.prefix
}

func (dd *Destination) GetAllKnownPathList() []*Path {
	return dd.knownPathList
}

// GetBestPath returns the selected path, or nil when the preferred candidate
// has an unresolved nexthop. Candidates below an unreachable head are not
// promoted: reachability sorts first, so an invalid head means none resolve.
func (dd *Destination) GetBestPath() *Path {
	if len(dd.knownPathList) == 0 {
		return nil
	}
	if p := dd.knownPathList[0]; !p.IsNexthopInvalid {
		return p
	}
	return nil
}

type Update struct {
	KnownPathList    []*Path
	OldKnownPathList []*Path
}

func (u *Update) Best() *Path {
	if len(u.KnownPathList) == 0 {
		return nil
	}
	if p := u.KnownPathList[0]; !p.IsNexthopInvalid {
		return p
	}
	return nil
}

func (u *Update) OldBest() *Path {
	if len(u.OldKnownPathList) == 0 {
		return nil
	}
	if p := u.OldKnownPathList[0]; !p.IsNexthopInvalid {
		return p
	}
	return nil
}

// Calculate merges newPath into the candidate list and re-runs selection.
//
// Modifies destination's state related to stored paths. Removes withdrawn
// paths from known paths. Also, adds new paths to known paths.
func (dest *Destination) Calculate(logger *slog.Logger, newPath *Path) *Update {
	oldKnownPathList := slices.Clone(dest.knownPathList)

	if newPath.IsWithdraw {
		dest.explicitWithdraw(logger, newPath)
	} else {
		dest.implicitWithdraw(logger, newPath)
		dest.insertSort(newPath)
	}

	return &Update{
		KnownPathList:    slices.Clone(dest.knownPathList),
		OldKnownPathList: oldKnownPathList,
	}
}

func (dest *Destination) explicitWithdraw(logger *slog.Logger, withdraw *Path) *Path {
	if len(dest.knownPathList) == 0 {
		logger.Debug("Found withdrawal for path(s) that did not get installed",
			slog.String("Topic", "Table"),
			slog.String("Key", dest.prefix.String()))
		return nil
	}

	found := -1
	for i, path := range dest.knownPathList {
		if path.EqualByOrigin(withdraw) {
			found = i
			break
		}
	}
	if found == -1 {
		logger.Warn("No matching path for withdraw found, may be path was not installed into table",
			slog.String("Topic", "Table"),
			slog.String("Key", dest.prefix.String()),
			slog.String("Path", withdraw.String()))
		return nil
	}
	p := dest.knownPathList[found]
	dest.knownPathList = slices.Delete(dest.knownPathList, found, found+1)
	return p
}

// implicitWithdraw drops the previous version of newPath, if any: a second
// announcement from the same origin replaces the first.
func (dest *Destination) implicitWithdraw(logger *slog.Logger, newPath *Path) {
	found := -1
	for i, path := range dest.knownPathList {
		if newPath.EqualByOrigin(path) {
			logger.Debug("Implicit withdrawal of old path, since we have learned new path from the same origin",
				slog.String("Topic", "Table"),
				slog.String("Key", dest.prefix.String()),
				slog.String("Path", path.String()))
			found = i
			break
		}
	}
	if found != -1 {
		dest.knownPathList = slices.Delete(dest.knownPathList, found, found+1)
	}
}

func (dest *Destination) insertSort(newPath *Path) {
	// The slice is kept in descending order: most preferred to least.
	//
	// Selection steps, in order:
	// 1. Prefer a path with a resolvable nexthop.
	// 2. Prefer locally originated paths over leaked candidates, always.
	// 3. Prefer the lower administrative distance (this also orders
	//    connected before static among local paths).
	// 4. Prefer the lexicographically smaller RD.
	// 5. Prefer the lexicographically smaller originating VRF name.
	//
	// Steps 4 and 5 only exist to make the outcome independent of insertion
	// order when leaked candidates tie on distance.
	insertIdx := sort.Search(len(dest.knownPathList), func(i int) bool {
		path1 := newPath
		path2 := dest.knownPathList[i]

		if b := compareByReachableNexthop(path1, path2); b == path1 {
			return true
		} else if b == path2 {
			return false
		}

		if b := compareByLocalOrigin(path1, path2); b == path1 {
			return true
		} else if b == path2 {
			return false
		}

		if b := compareByDistance(path1, path2); b == path1 {
			return true
		} else if b == path2 {
			return false
		}

		if b := compareByRD(path1, path2); b == path1 {
			return true
		} else if b == path2 {
			return false
		}

		if b := compareByOriginVrf(path1, path2); b == path1 {
			return true
		} else if b == path2 {
			return false
		}
		return true
	})

	dest.knownPathList = slices.Insert(dest.knownPathList, insertIdx, newPath)
}

func compareByReachableNexthop(path1, path2 *Path) *Path {
	if path1.IsNexthopInvalid && !path2.IsNexthopInvalid {
		return path2
	}
	if !path1.IsNexthopInvalid && path2.IsNexthopInvalid {
		return path1
	}
	return nil
}

func compareByLocalOrigin(path1, path2 *Path) *Path {
	if path1.IsLocal() && !path2.IsLocal() {
		return path1
	}
	if !path1.IsLocal() && path2.IsLocal() {
		return path2
	}
	return nil
}

func compareByDistance(path1, path2 *Path) *Path {
	if path1.distance < path2.distance {
		return path1
	}
	if path2.distance < path1.distance {
		return path2
	}
	return nil
}

func compareByRD(path1, path2 *Path) *Path {
	switch strings.Compare(path1.rdString(), path2.rdString()) {
	case -1:
		return path1
	case 1:
		return path2
	}
	return nil
}

func compareByOriginVrf(path1, path2 *Path) *Path {
	switch strings.Compare(path1.vrf, path2.vrf) {
	case -1:
		return path1
	case 1:
		return path2
	}
	return nil
}

func (dest *Destination) String() string {
	return fmt.Sprintf("Destination NLRI: %s", dest.prefix)
}
