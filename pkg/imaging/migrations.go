package imaging

import "github.com/corefacility/corefacility/pkg/storage"

// Migrations creates the imaging tables
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     100,
			Description: "imaging functional maps",
			SQL: `
				CREATE TABLE imaging_map (
					id {{serial}},
					alias VARCHAR(50) NOT NULL,
					type VARCHAR(16) NOT NULL,
					data VARCHAR(512),
					width DOUBLE PRECISION NOT NULL,
					height DOUBLE PRECISION NOT NULL,
					resolution_x INTEGER,
					resolution_y INTEGER,
					project_id BIGINT NOT NULL REFERENCES core_project(id) ON DELETE CASCADE,
					UNIQUE (project_id, alias)
				);
			`,
		},
		{
			Version:     101,
			Description: "imaging pinwheels",
			SQL: `
				CREATE TABLE imaging_pinwheel (
					id {{serial}},
					map_id BIGINT NOT NULL REFERENCES imaging_map(id) ON DELETE CASCADE,
					x INTEGER NOT NULL,
					y INTEGER NOT NULL
				);
				CREATE INDEX imaging_pinwheel_map ON imaging_pinwheel(map_id);
			`,
		},
		{
			Version:     102,
			Description: "imaging rectangular regions of interest",
			SQL: `
				CREATE TABLE imaging_rectangular_roi (
					id {{serial}},
					map_id BIGINT NOT NULL REFERENCES imaging_map(id) ON DELETE CASCADE,
					left_x INTEGER NOT NULL,
					right_x INTEGER NOT NULL,
					top_y INTEGER NOT NULL,
					bottom_y INTEGER NOT NULL
				);
				CREATE INDEX imaging_rectangular_roi_map ON imaging_rectangular_roi(map_id);
			`,
		},
	}
}
