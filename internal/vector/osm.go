package vector

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

type osmTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type osmNode struct {
	ID   int64    `xml:"id,attr"`
	Lat  float64  `xml:"lat,attr"`
	Lon  float64  `xml:"lon,attr"`
	Tags []osmTag `xml:"tag"`
}

type osmWay struct {
	ID   int64 `xml:"id,attr"`
	Refs []struct {
		Ref int64 `xml:"ref,attr"`
	} `xml:"nd"`
	Tags []osmTag `xml:"tag"`
}

type osmMember struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

type osmRelation struct {
	ID      int64       `xml:"id,attr"`
	Members []osmMember `xml:"member"`
	Tags    []osmTag    `xml:"tag"`
}

// streamOSM decodes an OSM XML extract in one pass. Nodes precede ways and
// ways precede relations in well-formed extracts, so way geometry is resolved
// against nodes already seen and relations against ways already seen; a
// dangling reference skips the record. Multipolygon relations are
// materialized from their outer ways; other relation types are skipped with a
// warning. Coordinates are always EPSG:4326 lon/lat.
func streamOSM(ctx context.Context, path string) (<-chan item, <-chan error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(ErrCorruptSource, "open osm %s: %v", path, err)
	}

	outCh := make(chan item, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)
		defer func() { _ = f.Close() }()

		decoder := xml.NewDecoder(f)
		decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
			enc, err := htmlindex.Get(charset)
			if err != nil {
				return nil, eris.Wrapf(err, "osm: unsupported charset %q", charset)
			}
			return enc.NewDecoder().Reader(input), nil
		}

		coords := make(map[int64][2]float64)
		wayRefs := make(map[int64][]int64)
		index := -1

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "vector: osm read cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(ErrCorruptSource, "read osm %s: %v", path, err)
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}

			switch se.Name.Local {
			case "node":
				var n osmNode
				if err := decoder.DecodeElement(&n, &se); err != nil {
					errCh <- eris.Wrapf(ErrCorruptSource, "decode osm node: %v", err)
					return
				}
				coords[n.ID] = [2]float64{n.Lon, n.Lat}
				if len(n.Tags) > 0 {
					index++
					outCh <- item{index: index, rec: rawRecord{
						typ:    TypePoint,
						coords: [][3]float64{{n.Lon, n.Lat, 0}},
						attrs:  tagAttrs(n.Tags),
					}}
				}

			case "way":
				var w osmWay
				if err := decoder.DecodeElement(&w, &se); err != nil {
					errCh <- eris.Wrapf(ErrCorruptSource, "decode osm way: %v", err)
					return
				}
				refs := make([]int64, len(w.Refs))
				for i, nd := range w.Refs {
					refs[i] = nd.Ref
				}
				wayRefs[w.ID] = refs
				index++
				outCh <- wayItem(index, w, coords)

			case "relation":
				var rel osmRelation
				if err := decoder.DecodeElement(&rel, &se); err != nil {
					errCh <- eris.Wrapf(ErrCorruptSource, "decode osm relation: %v", err)
					return
				}
				index++
				outCh <- relationItem(index, rel, wayRefs, coords)
			}
		}
	}()

	return outCh, errCh, nil
}

func wayItem(index int, w osmWay, coords map[int64][2]float64) item {
	pts := make([][3]float64, 0, len(w.Refs))
	for _, nd := range w.Refs {
		c, ok := coords[nd.Ref]
		if !ok {
			return item{index: index, skip: true, reason: "way references missing node"}
		}
		pts = append(pts, [3]float64{c[0], c[1], 0})
	}

	typ := TypePolyline
	if len(pts) >= 4 && samePoint(pts[0], pts[len(pts)-1]) {
		typ = TypePolygon
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 2 || (typ == TypePolygon && len(pts) < 3) {
		return item{index: index, skip: true, reason: "way has too few resolvable nodes"}
	}

	return item{index: index, rec: rawRecord{typ: typ, coords: pts, attrs: tagAttrs(w.Tags)}}
}

// relationItem materializes a multipolygon relation's outer ring from ways
// already seen. Other relation types carry no geometry of their own and are
// skipped so the warning trail records them.
func relationItem(index int, rel osmRelation, wayRefs map[int64][]int64, coords map[int64][2]float64) item {
	attrs := tagAttrs(rel.Tags)
	typ, _ := attrs["type"].(string)
	if typ != "multipolygon" {
		return item{index: index, skip: true, reason: fmt.Sprintf("relation type %q not materialized", typ)}
	}

	var outers [][]int64
	for _, m := range rel.Members {
		if m.Type != "way" || (m.Role != "outer" && m.Role != "") {
			continue
		}
		refs, ok := wayRefs[m.Ref]
		if !ok {
			return item{index: index, skip: true, reason: "relation references missing way"}
		}
		outers = append(outers, refs)
	}

	ring, ok := chainRing(outers)
	if !ok {
		return item{index: index, skip: true, reason: "relation outer ring does not close"}
	}

	pts := make([][3]float64, 0, len(ring))
	for _, id := range ring {
		c, ok := coords[id]
		if !ok {
			return item{index: index, skip: true, reason: "relation references missing node"}
		}
		pts = append(pts, [3]float64{c[0], c[1], 0})
	}
	if len(pts) < 3 {
		return item{index: index, skip: true, reason: "relation outer ring has too few nodes"}
	}
	return item{index: index, rec: rawRecord{typ: TypePolygon, coords: pts, attrs: attrs}}
}

// chainRing stitches way node sequences end to end into one closed ring,
// reversing segments where needed. Returns the ring without its closing
// duplicate, and whether every segment was used and the ring closed.
func chainRing(segs [][]int64) ([]int64, bool) {
	if len(segs) == 0 {
		return nil, false
	}
	ring := append([]int64(nil), segs[0]...)
	used := make([]bool, len(segs))
	used[0] = true

	for n := 1; n < len(segs); n++ {
		tail := ring[len(ring)-1]
		found := false
		for i, s := range segs {
			if used[i] || len(s) == 0 {
				continue
			}
			switch tail {
			case s[0]:
				ring = append(ring, s[1:]...)
			case s[len(s)-1]:
				for j := len(s) - 2; j >= 0; j-- {
					ring = append(ring, s[j])
				}
			default:
				continue
			}
			used[i] = true
			found = true
			break
		}
		if !found {
			return nil, false
		}
	}

	if len(ring) < 4 || ring[0] != ring[len(ring)-1] {
		return nil, false
	}
	return ring[:len(ring)-1], true
}

func tagAttrs(tags []osmTag) map[string]any {
	if len(tags) == 0 {
		return nil
	}
	attrs := make(map[string]any, len(tags))
	for _, t := range tags {
		attrs[t.K] = t.V
	}
	return attrs
}
