// Package tms20 reads OGC Tile Matrix Set (v2.0) documents and turns them into pyramid templates.
// See https://www.ogc.org/standard/tms/
package tms20

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/tilepyramid/pyramid"
)

var (
	//go:embed tilematrixsets/*.json
	embeddedFS embed.FS

	embeddedMu    sync.Mutex
	embeddedCache = make(map[string]*TileMatrixSet)
)

// EmbeddedIDs lists the tile matrix sets that ship with the binary.
func EmbeddedIDs() []string {
	entries, err := fs.ReadDir(embeddedFS, "tilematrixsets")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids
}

func LoadEmbeddedTileMatrixSet(id string) (TileMatrixSet, error) {
	embeddedMu.Lock()
	defer embeddedMu.Unlock()
	if cached, ok := embeddedCache[id]; ok {
		return *cached, nil
	}
	raw, err := embeddedFS.ReadFile("tilematrixsets/" + id + ".json")
	if err != nil {
		return TileMatrixSet{}, fmt.Errorf("%w: unknown tile matrix set %q", pyramid.ErrConfiguration, id)
	}
	var tms TileMatrixSet
	if err = json.Unmarshal(raw, &tms); err != nil {
		return tms, err
	}
	embeddedCache[id] = &tms
	return tms, nil
}

func LoadJSONTileMatrixSet(path string) (TileMatrixSet, error) {
	var tms TileMatrixSet
	raw, err := os.ReadFile(path)
	if err != nil {
		return tms, err
	}
	err = json.Unmarshal(raw, &tms)
	return tms, err
}

// TileMatrixSet is a definition of a tile matrix set following the Tile Matrix Set standard.
type TileMatrixSet struct {
	// Tile matrix set identifier
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `validate:"omitnil,min=1" json:"orderedAxes"`
	CRS         CRS      `validate:"required" json:"-"`
	// Reference to a well-known scale set
	WellKnownScaleSet string `validate:"omitempty,uri" json:"wellKnownScaleSet,omitempty"`
	// Describes scale levels and its tile matrices, keyed by their integer id
	TileMatrices map[int]TileMatrix `validate:"required,min=1" json:"-"`
}

func (tms *TileMatrixSet) MarshalJSON() ([]byte, error) {
	tileMatrices := make([]*TileMatrix, 0, len(tms.TileMatrices))
	for _, level := range tms.Levels() {
		tm := tms.TileMatrices[level]
		tileMatrices = append(tileMatrices, &tm)
	}
	return json.Marshal(struct {
		TileMatrixSet                     // not a pointer, because it would cause recursion to this function
		SpecialCRS          *CRS          `json:"crs"`
		SpecialTileMatrices []*TileMatrix `json:"tileMatrices"`
	}{
		TileMatrixSet:       *tms,
		SpecialCRS:          &tms.CRS,
		SpecialTileMatrices: tileMatrices,
	})
}

func (tms *TileMatrixSet) UnmarshalJSON(data []byte) error {
	err := defaults.Set(tms)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, tms, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	if tms.CRS, err = unmarshalCRS(rawCrs); err != nil {
		return err
	}

	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	if tms.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices); err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tms)
}

func unmarshalTileMatrices(raw interface{}) (map[int]TileMatrix, error) {
	rawList, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	tileMatrices := make(map[int]TileMatrix, len(rawList))
	for _, rawTileMatrix := range rawList {
		rawMap, ok := rawTileMatrix.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf(`"tileMatrices" should be objects`)
		}
		var tm TileMatrix
		if err := tm.UnmarshalJSONFromMap(rawMap); err != nil {
			return nil, err
		}
		level, err := strconv.Atoi(tm.ID)
		if err != nil {
			return nil, fmt.Errorf("only integer-like ids are supported for tile matrices: %w", err)
		}
		tileMatrices[level] = tm
	}
	return tileMatrices, nil
}

// Levels returns the tile matrix ids in ascending order.
func (tms *TileMatrixSet) Levels() []int {
	levels := make([]int, 0, len(tms.TileMatrices))
	for level := range tms.TileMatrices {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}

// PyramidCRS is the CRS of the tile matrix set in AUTHORITY:CODE form.
func (tms *TileMatrixSet) PyramidCRS() (pyramid.CRS, error) {
	if tms.CRS == nil || tms.CRS.AuthorityName() == "" || tms.CRS.AuthorityCode() == "" {
		return pyramid.CRS{}, fmt.Errorf("%w: tile matrix set %s has no usable crs", pyramid.ErrConfiguration, tms.ID)
	}
	return pyramid.ParseCRS(tms.CRS.AuthorityName() + ":" + tms.CRS.AuthorityCode())
}

// Template builds a pyramid template with one mosaic per selected tile matrix.
// With no levels given all tile matrices are used.
func (tms *TileMatrixSet) Template(id string, format string, levels ...int) (*pyramid.PyramidTemplate, error) {
	crs, err := tms.PyramidCRS()
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		levels = tms.Levels()
	}
	template := &pyramid.PyramidTemplate{Identifier: id, CRS: crs}
	for _, level := range levels {
		tm, ok := tms.TileMatrices[level]
		if !ok {
			return nil, fmt.Errorf("%w: tile matrix set %s has no tile matrix %d", pyramid.ErrConfiguration, tms.ID, level)
		}
		mt, err := tm.mosaicTemplate(format)
		if err != nil {
			return nil, err
		}
		mt.CRS = crs
		template.Mosaics = append(template.Mosaics, mt)
	}
	return template, template.Validate()
}

// A tile matrix, usually corresponding to a particular zoom level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet
	ID          string   `validate:"required" json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix, in CRS units per pixel
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix used as the origin for numbering tile rows and columns
	CornerOfOrigin CornerOfOrigin `validate:"omitempty,oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	// Position in CRS coordinates of the corner of origin
	PointOfOrigin TwoDPoint `validate:"required" json:"pointOfOrigin"`
	TileWidth     uint      `validate:"required,min=1" json:"tileWidth"`
	TileHeight    uint      `validate:"required,min=1" json:"tileHeight"`
	MatrixWidth   uint      `validate:"required,min=1" json:"matrixWidth"`
	MatrixHeight  uint      `validate:"required,min=1" json:"matrixHeight"`
	// Describes the rows that have variable matrix width
	VariableMatrixWidths []VariableMatrixWidth `json:"variableMatrixWidths,omitempty"`
}

func (tm *TileMatrix) UnmarshalJSON(data []byte) error {
	return UnmarshalJSONMapUsingUnmarshalJSONFromMap(tm, data)
}

func (tm *TileMatrix) UnmarshalJSONFromMap(data interface{}) error {
	err := defaults.Set(tm)
	if err != nil {
		return err
	}
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}
	if _, err = marshmallow.UnmarshalFromJSONMap(dataMap, tm, marshmallow.WithExcludeKnownFieldsFromMap(true)); err != nil {
		return err
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tm)
}

// mosaicTemplate maps the tile matrix onto a top-left anchored mosaic.
func (tm *TileMatrix) mosaicTemplate(format string) (pyramid.MosaicTemplate, error) {
	if len(tm.VariableMatrixWidths) > 0 {
		return pyramid.MosaicTemplate{}, fmt.Errorf("%w: tile matrix %s has variable matrix widths", pyramid.ErrUnsupported, tm.ID)
	}
	if tm.CornerOfOrigin == BottomLeft {
		return pyramid.MosaicTemplate{}, fmt.Errorf("%w: tile matrix %s has a bottom left origin", pyramid.ErrUnsupported, tm.ID)
	}
	return pyramid.MosaicTemplate{
		Identifier: tm.ID,
		UpperLeft:  geom.Point(tm.PointOfOrigin),
		GridSize:   pyramid.Dimension{Width: int64(tm.MatrixWidth), Height: int64(tm.MatrixHeight)},
		TileSize:   pyramid.Dimension{Width: int64(tm.TileWidth), Height: int64(tm.TileHeight)},
		Scale:      tm.CellSize,
		Format:     format,
	}, nil
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

func (c *CornerOfOrigin) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf(`CornerOfOrigin data is not a string: %w`, err)
	}
	return c.UnmarshalJSONFromMap(s)
}

func (c *CornerOfOrigin) UnmarshalJSONFromMap(data interface{}) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf(`CornerOfOrigin data is not a string but a %T`, data)
	}
	switch s {
	case "", string(TopLeft):
		*c = TopLeft
	case string(BottomLeft):
		*c = BottomLeft
	default:
		return fmt.Errorf(`unknown CornerOfOrigin: %v`, data)
	}
	return nil
}

// Variable Matrix Width data structure
type VariableMatrixWidth struct {
	Coalesce   uint `validate:"required,min=2" json:"coalesce"`
	MinTileRow uint `validate:"min=0" json:"minTileRow"`
	MaxTileRow uint `validate:"min=0" json:"maxTileRow"`
}

// A 2D Point in the CRS indicated elsewhere
type TwoDPoint [2]float64

func (p TwoDPoint) XY() [2]float64 {
	return p
}

// CRS is one of the crs encodings the standard allows (oneOf).
type CRS interface {
	Description() string
	AuthorityName() string
	AuthorityCode() string
}

func unmarshalCRS(rawCrs interface{}) (CRS, error) {
	var rawCrsMap map[string]interface{}
	rawCrsString, asString := rawCrs.(string)
	if asString {
		rawCrsMap = map[string]interface{}{"uri": rawCrsString}
	} else {
		var ok bool
		if rawCrsMap, ok = rawCrs.(map[string]interface{}); !ok {
			return nil, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
		}
	}

	var uriCrs URICRS
	uriErr := uriCrs.UnmarshalJSONFromMap(rawCrsMap)
	if uriErr == nil {
		uriCrs.asString = asString
		return &uriCrs, nil
	}
	var wktCrs WKTCRS
	wktErr := wktCrs.UnmarshalJSONFromMap(rawCrsMap)
	if wktErr == nil {
		return &wktCrs, nil
	}
	return nil, fmt.Errorf(`could not unmarshal crs into any CRS type. errors: %v`, []error{uriErr, wktErr})
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+)::(?P<code>[^:]+)$")
)

// URICRS references a crs by uri, e.g. http://www.opengis.net/def/crs/EPSG/0/28992
type URICRS struct {
	description   string
	uri           string `validate:"required,uri"`
	authorityName string `validate:"required"`
	authorityCode string `validate:"required"`
	// Whether it should be marshalled as just a string
	asString bool
}

func (crs *URICRS) MarshalJSON() ([]byte, error) {
	if crs.asString {
		return json.Marshal(crs.uri)
	}
	return json.Marshal(struct {
		Description string `json:"description,omitempty"`
		URI         string `json:"uri"`
	}{
		Description: crs.description,
		URI:         crs.uri,
	})
}

func (crs *URICRS) UnmarshalJSON(data []byte) error {
	return UnmarshalJSONMapUsingUnmarshalJSONFromMap(crs, data)
}

func (crs *URICRS) UnmarshalJSONFromMap(data interface{}) error {
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}
	description, err := optionalString(dataMap, "description")
	if err != nil {
		return err
	}
	crs.description = description
	rawURI, ok := dataMap["uri"]
	if !ok {
		return fmt.Errorf(`uri property not found`)
	}
	if crs.uri, ok = rawURI.(string); !ok {
		return fmt.Errorf(`uri property is not a string but a %T`, rawURI)
	}

	uriParts := crsURIRegexURL.FindStringSubmatch(crs.uri)
	if uriParts == nil {
		uriParts = crsURIRegexURN.FindStringSubmatch(crs.uri)
	}
	if uriParts == nil {
		return fmt.Errorf(`could not parse crs uri "%v"`, crs.uri)
	}
	crs.authorityName = uriParts[1]
	crs.authorityCode = uriParts[2]
	return nil
}

func (crs *URICRS) Description() string   { return crs.description }
func (crs *URICRS) AuthorityName() string { return crs.authorityName }
func (crs *URICRS) AuthorityCode() string { return crs.authorityCode }

// WKTCRS defines the crs using the PROJJSON encoding of WKT 2.
// Only the identifier of the PROJJSON object is interpreted.
type WKTCRS struct {
	description string
	wkt         ProjJSON
	originalWKT map[string]interface{}
}

type ProjJSON struct {
	ID ProjJSONID `validate:"required" json:"id"`
}

type ProjJSONID struct {
	AuthorityName string `validate:"required" json:"authority"`
	AuthorityCode string `validate:"required" json:"code"`
}

func (crs *WKTCRS) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Description string                 `json:"description,omitempty"`
		WKT         map[string]interface{} `json:"wkt"`
	}{
		Description: crs.description,
		WKT:         crs.originalWKT,
	})
}

func (crs *WKTCRS) UnmarshalJSON(data []byte) error {
	return UnmarshalJSONMapUsingUnmarshalJSONFromMap(crs, data)
}

func (crs *WKTCRS) UnmarshalJSONFromMap(data interface{}) error {
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}
	description, err := optionalString(dataMap, "description")
	if err != nil {
		return err
	}
	crs.description = description
	rawWKT, ok := dataMap["wkt"]
	if !ok {
		return fmt.Errorf(`wkt property not found`)
	}
	if crs.originalWKT, ok = rawWKT.(map[string]interface{}); !ok {
		return fmt.Errorf(`wkt property is not an object but a %T`, rawWKT)
	}
	var wkt ProjJSON
	if _, err := marshmallow.UnmarshalFromJSONMap(crs.originalWKT, &wkt); err != nil {
		return fmt.Errorf(`could not parse wkt as ProjJSON "%v"`, crs.originalWKT)
	}
	crs.wkt = wkt
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(&crs.wkt)
}

func (crs *WKTCRS) Description() string   { return crs.description }
func (crs *WKTCRS) AuthorityName() string { return crs.wkt.ID.AuthorityName }
func (crs *WKTCRS) AuthorityCode() string { return crs.wkt.ID.AuthorityCode }

func optionalString(m map[string]interface{}, key string) (string, error) {
	raw, ok := m[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf(`%s property is not a string but a %T`, key, raw)
	}
	return s, nil
}

func UnmarshalJSONMapUsingUnmarshalJSONFromMap(target marshmallow.UnmarshalerFromJSONMap, data []byte) error {
	var dataMap map[string]interface{}
	if err := json.Unmarshal(data, &dataMap); err != nil {
		return err
	}
	return target.UnmarshalJSONFromMap(dataMap)
}
