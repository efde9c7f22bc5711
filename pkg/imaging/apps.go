package imaging

import "github.com/corefacility/corefacility/pkg/modules"

// Class names of the imaging modules
const (
	ImagingClass   = "projects.imaging"
	ROIClass       = "processors.roi"
	PinwheelsClass = "processors.pinwheels"
)

// Processors is the entry point of the imaging application holding map
// processors
var Processors = modules.EntryPointRef{Module: ImagingClass, EntryPoint: "processors"}

// Apps returns the imaging application and its processors
func Apps() []modules.App {
	return []modules.App{
		modules.BaseApp{Desc: modules.Info{
			Class:            ImagingClass,
			Alias:            "imaging",
			Name:             "Imaging",
			Parent:           &modules.Projects,
			EnabledByDefault: true,
			IsApplication:    true,
			EntryPoints: []modules.EntryPointInfo{
				{Alias: "processors", Name: "Map processors", Type: modules.List},
			},
			Settings: map[string]interface{}{},
		}},
		modules.BaseApp{Desc: modules.Info{
			Class:            ROIClass,
			Alias:            "roi",
			Name:             "Rectangular ROI",
			Parent:           &Processors,
			EnabledByDefault: true,
			Settings:         map[string]interface{}{},
		}},
		modules.BaseApp{Desc: modules.Info{
			Class:            PinwheelsClass,
			Alias:            "pinwheels",
			Name:             "Pinwheels",
			Parent:           &Processors,
			EnabledByDefault: true,
			Settings:         map[string]interface{}{},
		}},
	}
}
