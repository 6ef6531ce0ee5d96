package models

import (
	"time"

	"github.com/rookery-os/rookpkg/internal/domain/pkgs"
)

// PackageModel is the GORM database model for installed packages.
type PackageModel struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Name          string    `gorm:"not null;uniqueIndex"`
	Version       string    `gorm:"not null"`
	Release       uint32    `gorm:"not null;default:1"`
	InstallDate   time.Time `gorm:"not null"`
	SizeBytes     int64     `gorm:"not null"`
	Checksum      string    `gorm:"not null"`
	Spec          string
	InstallReason string `gorm:"not null;default:explicit"`

	Files        []PackageFileModel `gorm:"foreignKey:PackageID;constraint:OnDelete:CASCADE"`
	Dependencies []DependencyModel  `gorm:"foreignKey:PackageID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for GORM
func (PackageModel) TableName() string {
	return "packages"
}

// ToDomain converts GORM model to domain entity
func (m *PackageModel) ToDomain() *pkgs.InstalledPackage {
	return &pkgs.InstalledPackage{
		ID:            m.ID,
		Name:          m.Name,
		Version:       m.Version,
		Release:       m.Release,
		InstallDate:   m.InstallDate,
		SizeBytes:     m.SizeBytes,
		Checksum:      m.Checksum,
		Spec:          m.Spec,
		InstallReason: pkgs.InstallReason(m.InstallReason),
	}
}

// FromDomain converts domain entity to GORM model
func (m *PackageModel) FromDomain(p *pkgs.InstalledPackage) {
	m.ID = p.ID
	m.Name = p.Name
	m.Version = p.Version
	m.Release = p.Release
	m.InstallDate = p.InstallDate
	m.SizeBytes = p.SizeBytes
	m.Checksum = p.Checksum
	m.Spec = p.Spec
	m.InstallReason = string(p.InstallReason)
}

// PackageFileModel is the GORM database model for files owned by packages.
type PackageFileModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	PackageID uint   `gorm:"not null;index"`
	Path      string `gorm:"not null;uniqueIndex"`
	Mode      uint32
	Owner     string
	Group     string
	SizeBytes int64
	Checksum  string
	IsConfig  bool `gorm:"not null;default:false"`
}

// TableName specifies the table name for GORM
func (PackageFileModel) TableName() string {
	return "files"
}

// ToDomain converts GORM model to domain entity
func (m *PackageFileModel) ToDomain() *pkgs.PackageFile {
	return &pkgs.PackageFile{
		ID:        m.ID,
		PackageID: m.PackageID,
		Path:      m.Path,
		Mode:      m.Mode,
		Owner:     m.Owner,
		Group:     m.Group,
		SizeBytes: m.SizeBytes,
		Checksum:  m.Checksum,
		IsConfig:  m.IsConfig,
	}
}

// FromDomain converts domain entity to GORM model
func (m *PackageFileModel) FromDomain(f *pkgs.PackageFile) {
	m.ID = f.ID
	m.PackageID = f.PackageID
	m.Path = f.Path
	m.Mode = f.Mode
	m.Owner = f.Owner
	m.Group = f.Group
	m.SizeBytes = f.SizeBytes
	m.Checksum = f.Checksum
	m.IsConfig = f.IsConfig
}

// DependencyModel is the GORM database model for dependency edges.
type DependencyModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PackageID  uint   `gorm:"not null;index"`
	DependsOn  string `gorm:"not null;index"`
	Constraint string
	DepType    string `gorm:"not null;default:runtime"`
}

// TableName specifies the table name for GORM
func (DependencyModel) TableName() string {
	return "dependencies"
}

// ToDomain converts GORM model to domain entity
func (m *DependencyModel) ToDomain() *pkgs.Dependency {
	return &pkgs.Dependency{
		ID:         m.ID,
		PackageID:  m.PackageID,
		DependsOn:  m.DependsOn,
		Constraint: m.Constraint,
		DepType:    pkgs.DependencyType(m.DepType),
	}
}

// FromDomain converts domain entity to GORM model
func (m *DependencyModel) FromDomain(d *pkgs.Dependency) {
	m.ID = d.ID
	m.PackageID = d.PackageID
	m.DependsOn = d.DependsOn
	m.Constraint = d.Constraint
	m.DepType = string(d.DepType)
}

// HeldPackageModel is the GORM database model for package holds.
type HeldPackageModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"not null;uniqueIndex"`
	HeldVersion string
	HeldDate    time.Time `gorm:"not null"`
	Reason      string
}

// TableName specifies the table name for GORM
func (HeldPackageModel) TableName() string {
	return "held_packages"
}

// ToDomain converts GORM model to domain entity
func (m *HeldPackageModel) ToDomain() *pkgs.HoldInfo {
	return &pkgs.HoldInfo{
		Name:        m.Name,
		HeldVersion: m.HeldVersion,
		HeldDate:    m.HeldDate,
		Reason:      m.Reason,
	}
}
