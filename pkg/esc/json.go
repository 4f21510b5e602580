package esc

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

// The fastest jsoniter preset trades map key ordering for speed, which suits
// wire payloads and seasoning files alike.
var json = jsoniter.ConfigFastest

// ConvertJSONFileToConfig reads a seasoning file and overlays it on the
// defaults. Keys absent from the file keep their default values, present keys
// override them, and a wrongly typed value (e.g. a string where a bool
// belongs) is an error.
func ConvertJSONFileToConfig(fileNamePath string) (*ClusterSeasoning, error) {

	file, err := os.Open(fileNamePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	seasoning := DefaultClusterSeasoning()
	if err := json.NewDecoder(file).Decode(seasoning); err != nil {
		return nil, err
	}

	if err := seasoning.Validate(); err != nil {
		return nil, err
	}

	return seasoning, nil
}

// ConvertJSONBytesToConfig overlays raw JSON bytes on a default seasoning and
// validates the result.
func ConvertJSONBytesToConfig(byteValue []byte) (*ClusterSeasoning, error) {

	seasoning := DefaultClusterSeasoning()
	if err := json.Unmarshal(byteValue, seasoning); err != nil {
		return nil, err
	}

	if err := seasoning.Validate(); err != nil {
		return nil, err
	}

	return seasoning, nil
}

// ReadJSONFileToInterface reads any JSON document into an untyped tree.
func ReadJSONFileToInterface(fileNamePath string) (interface{}, error) {

	file, err := os.Open(fileNamePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var data interface{}
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, err
	}

	return data, nil
}
